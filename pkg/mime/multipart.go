// Package mime implements multipart/related packaging of ebMS3 messages
package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeOctetStream is used for parts without a declared type
	ContentTypeOctetStream = "application/octet-stream"

	transferEncodingBinary = "binary"
)

// Part is one MIME part carried next to the SOAP envelope.
type Part struct {
	// ContentID is normalized: no cid: prefix and no angle brackets.
	ContentID   string
	ContentType string
	Headers     textproto.MIMEHeader
	Data        []byte
}

// Header returns the first value of a part header.
func (p Part) Header(key string) string {
	return p.Headers.Get(key)
}

// Message is a SOAP envelope with its attachments.
type Message struct {
	Boundary string
	// StartID is the Content-ID of the envelope part, normalized.
	StartID     string
	SOAPVersion message.SOAPVersion
	Envelope    []byte
	Attachments []Part
}

// NewMessage packages envelope and attachments, generating the boundary
// and the envelope Content-ID.
func NewMessage(envelope []byte, soap message.SOAPVersion, attachments []Part) *Message {
	return &Message{
		Boundary:    generateBoundary(),
		StartID:     NewContentID(message.DefaultMessageIDDomain),
		SOAPVersion: soap,
		Envelope:    envelope,
		Attachments: attachments,
	}
}

// NewContentID returns a fresh Content-ID in the given domain.
func NewContentID(domain string) string {
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}

// ContentType returns the Content-Type header announcing the message. A
// message without attachments goes out as a plain SOAP document.
func (m *Message) ContentType() string {
	if len(m.Attachments) == 0 {
		return envelopeContentType(m.SOAPVersion)
	}
	// The start parameter names the envelope Content-ID without brackets.
	return mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": m.Boundary,
		"type":     m.SOAPVersion.ContentType(),
		"start":    m.StartID,
	})
}

// Serialize renders the message body and its Content-Type.
func (m *Message) Serialize() ([]byte, string, error) {
	if len(m.Attachments) == 0 {
		return m.Envelope, m.ContentType(), nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.SetBoundary(m.Boundary); err != nil {
		return nil, "", fmt.Errorf("failed to set boundary: %w", err)
	}

	root := textproto.MIMEHeader{}
	root.Set("Content-Type", envelopeContentType(m.SOAPVersion))
	root.Set("Content-Transfer-Encoding", transferEncodingBinary)
	root.Set("Content-ID", AddContentIDBrackets(m.StartID))
	rootPart, err := writer.CreatePart(root)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := rootPart.Write(m.Envelope); err != nil {
		return nil, "", fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, att := range m.Attachments {
		header := textproto.MIMEHeader{}
		for key, values := range att.Headers {
			for _, v := range values {
				header.Add(key, v)
			}
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = ContentTypeOctetStream
		}
		header.Set("Content-Type", contentType)
		if header.Get("Content-Transfer-Encoding") == "" {
			header.Set("Content-Transfer-Encoding", transferEncodingBinary)
		}
		header.Set("Content-ID", AddContentIDBrackets(att.ContentID))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part %s: %w", att.ContentID, err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write part %s: %w", att.ContentID, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), m.ContentType(), nil
}

// Parse reads an inbound request body. A multipart/related body is split
// into the envelope (the start part, or the first part when no start is
// given) and its attachments; any other body is taken as a bare envelope.
func Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return &Message{SOAPVersion: soapVersionOf(mediaType), Envelope: data}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("boundary not found in content type")
	}

	msg := &Message{
		Boundary:    boundary,
		StartID:     message.NormalizeContentID(params["start"]),
		SOAPVersion: soapVersionOf(params["type"]),
	}

	reader := multipart.NewReader(r, boundary)
	foundRoot := false
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("failed to read part data: %w", err)
		}

		contentID := message.NormalizeContentID(part.Header.Get("Content-ID"))
		isRoot := !foundRoot && (msg.StartID == "" || msg.StartID == contentID)
		if isRoot {
			foundRoot = true
			msg.Envelope = data
			if msg.StartID == "" {
				msg.StartID = contentID
			}
			if v := soapVersionOf(part.Header.Get("Content-Type")); v != "" {
				msg.SOAPVersion = v
			}
			continue
		}

		msg.Attachments = append(msg.Attachments, Part{
			ContentID:   contentID,
			ContentType: part.Header.Get("Content-Type"),
			Headers:     part.Header,
			Data:        data,
		})
	}

	if !foundRoot {
		return nil, fmt.Errorf("SOAP envelope not found in message")
	}
	return msg, nil
}

// Attachment finds an attachment by Content-ID in any notation.
func (m *Message) Attachment(contentID string) (Part, bool) {
	want := message.NormalizeContentID(contentID)
	for _, att := range m.Attachments {
		if att.ContentID == want {
			return att, true
		}
	}
	return Part{}, false
}

// Correlated pairs an attachment with the PartInfo that references it.
type Correlated struct {
	Part     Part
	PartInfo message.PartInfo
	// Listed reports whether the header referenced the attachment.
	Listed bool
}

// Correlate matches attachments with the PartInfo entries of header. Every
// cid: reference must resolve to an attachment, otherwise the result is an
// EBMS:0007 MimeInconsistency error.
func (m *Message) Correlate(header *message.Header) ([]Correlated, error) {
	for _, pi := range header.Parts {
		cid := pi.ContentID()
		if cid == "" || !strings.HasPrefix(strings.TrimSpace(pi.Href), "cid:") {
			continue
		}
		if _, ok := m.Attachment(cid); !ok {
			return nil, message.NewProtocolError(message.EbmsMimeInconsistency,
				"no MIME part for %s", pi.Href)
		}
	}

	out := make([]Correlated, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		c := Correlated{Part: att}
		if att.ContentID != "" {
			c.PartInfo, c.Listed = header.PartByContentID(att.ContentID)
		}
		out = append(out, c)
	}
	return out, nil
}

func soapVersionOf(contentType string) message.SOAPVersion {
	mt := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mt = parsed
	}
	switch mt {
	case "application/soap+xml":
		return message.SOAP12
	case "text/xml":
		return message.SOAP11
	}
	return ""
}

func envelopeContentType(v message.SOAPVersion) string {
	return v.ContentType() + "; charset=" + message.DefaultCharset
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	contentID = message.NormalizeContentID(contentID)
	return "<" + contentID + ">"
}
