package mime

import (
	"bytes"
	"errors"
	"mime"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
)

const testEnvelope = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body/></env:Envelope>`

func testAttachments() []Part {
	return []Part{
		{
			ContentID:   "payload-1@jentrata.test",
			ContentType: "application/xml",
			Data:        []byte("<Invoice>42</Invoice>"),
		},
		{
			ContentID:   "payload-2@jentrata.test",
			ContentType: "application/gzip",
			Headers:     textproto.MIMEHeader{"Content-Disposition": {"attachment; filename=20240101120000000.xml"}},
			Data:        []byte{0x1f, 0x8b, 0x00, 0xff},
		},
	}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP12, testAttachments())

	assert.True(t, strings.HasPrefix(msg.Boundary, "----=_Part_"))
	assert.True(t, strings.HasSuffix(msg.StartID, "@"+message.DefaultMessageIDDomain))
	assert.NotContains(t, msg.StartID, "<")
}

func TestMessage_SerializeAndParse(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP12, testAttachments())

	body, contentType, err := msg.Serialize()
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeMultipartRelated, mediaType)
	assert.Equal(t, "application/soap+xml", params["type"])
	assert.Equal(t, msg.StartID, params["start"])
	assert.Equal(t, msg.Boundary, params["boundary"])

	parsed, err := Parse(bytes.NewReader(body), contentType)
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), parsed.Envelope)
	assert.Equal(t, message.SOAP12, parsed.SOAPVersion)
	assert.Equal(t, msg.StartID, parsed.StartID)
	require.Len(t, parsed.Attachments, 2)

	first := parsed.Attachments[0]
	assert.Equal(t, "payload-1@jentrata.test", first.ContentID)
	assert.Equal(t, "application/xml", first.ContentType)
	assert.Equal(t, "binary", first.Header("Content-Transfer-Encoding"))
	assert.Equal(t, []byte("<Invoice>42</Invoice>"), first.Data)

	second := parsed.Attachments[1]
	assert.Equal(t, []byte{0x1f, 0x8b, 0x00, 0xff}, second.Data)
	assert.Equal(t, "attachment; filename=20240101120000000.xml", second.Header("Content-Disposition"))
}

func TestMessage_SerializeWithoutAttachments(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP11, nil)

	body, contentType, err := msg.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte(testEnvelope), body)
	assert.Equal(t, "text/xml; charset=UTF-8", contentType)
}

func TestParse_BareEnvelope(t *testing.T) {
	tests := []struct {
		contentType string
		want        message.SOAPVersion
	}{
		{"application/soap+xml; charset=UTF-8", message.SOAP12},
		{"text/xml", message.SOAP11},
		{"application/xml", ""},
	}
	for _, tt := range tests {
		msg, err := Parse(strings.NewReader(testEnvelope), tt.contentType)
		require.NoError(t, err, tt.contentType)
		assert.Equal(t, []byte(testEnvelope), msg.Envelope)
		assert.Equal(t, tt.want, msg.SOAPVersion, tt.contentType)
		assert.Empty(t, msg.Attachments)
	}
}

func TestParse_StartParameter(t *testing.T) {
	// The envelope is the second part and is found through start, which
	// carries brackets here.
	body := "--b1\r\n" +
		"Content-Type: application/xml\r\n" +
		"Content-ID: <att@jentrata.test>\r\n\r\n" +
		"<a/>\r\n" +
		"--b1\r\n" +
		"Content-Type: text/xml\r\n" +
		"Content-ID: <root@jentrata.test>\r\n\r\n" +
		testEnvelope + "\r\n" +
		"--b1--\r\n"
	contentType := `multipart/related; boundary=b1; type="text/xml"; start="<root@jentrata.test>"`

	msg, err := Parse(strings.NewReader(body), contentType)
	require.NoError(t, err)
	assert.Equal(t, "root@jentrata.test", msg.StartID)
	assert.Equal(t, []byte(testEnvelope), msg.Envelope)
	assert.Equal(t, message.SOAP11, msg.SOAPVersion)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "att@jentrata.test", msg.Attachments[0].ContentID)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"invalid content type", testEnvelope, "not a content type;;"},
		{"missing boundary", testEnvelope, "multipart/related"},
		{"start not found", "--b1\r\nContent-ID: <x>\r\n\r\nx\r\n--b1--\r\n", `multipart/related; boundary=b1; start="<y>"`},
		{"no parts", "--b1--\r\n", "multipart/related; boundary=b1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body), tt.contentType)
			assert.Error(t, err)
		})
	}
}

func TestMessage_Attachment(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP12, testAttachments())

	for _, id := range []string{"payload-1@jentrata.test", "<payload-1@jentrata.test>", "cid:payload-1@jentrata.test"} {
		att, ok := msg.Attachment(id)
		assert.True(t, ok, id)
		assert.Equal(t, "application/xml", att.ContentType)
	}

	_, ok := msg.Attachment("missing@jentrata.test")
	assert.False(t, ok)
}

func TestMessage_Correlate(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP12, testAttachments())
	header := &message.Header{
		Parts: []message.PartInfo{
			{Href: ""},
			{Href: "cid:payload-1@jentrata.test", Properties: []message.Property{
				{Name: message.PropMimeType, Value: "application/xml"},
			}},
		},
	}

	parts, err := msg.Correlate(header)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Listed)
	assert.Equal(t, "application/xml", parts[0].PartInfo.Property(message.PropMimeType))
	assert.False(t, parts[1].Listed, "payload-2 is not referenced")
}

func TestMessage_CorrelateMissingPart(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.SOAP12, testAttachments()[:1])
	header := &message.Header{
		Parts: []message.PartInfo{{Href: "cid:payload-2@jentrata.test"}},
	}

	_, err := msg.Correlate(header)
	var perr *message.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, message.EbmsMimeInconsistency, perr.Code)
}

func TestAddContentIDBrackets(t *testing.T) {
	for _, in := range []string{"a@b", "<a@b>", "cid:a@b", " <a@b> "} {
		assert.Equal(t, "<a@b>", AddContentIDBrackets(in), in)
	}
}
