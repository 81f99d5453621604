package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// ErrNotEnvelope is returned when a document's root is not a SOAP envelope.
var ErrNotEnvelope = errors.New("document is not a SOAP envelope")

// Envelope is a parsed SOAP envelope together with the versions detected
// from its namespaces.
type Envelope struct {
	Doc  *etree.Document
	SOAP SOAPVersion
	Ebms EbmsVersion
}

// ParseEnvelope parses raw bytes into an Envelope. The ebMS version is left
// empty when the header carries no recognised ebMS block.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument wraps an already parsed document.
func FromDocument(doc *etree.Document) (*Envelope, error) {
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, ErrNotEnvelope
	}

	env := &Envelope{Doc: doc}
	switch root.NamespaceURI() {
	case NsSOAP11:
		env.SOAP = SOAP11
	case NsSOAP12:
		env.SOAP = SOAP12
	default:
		return nil, ErrNotEnvelope
	}

	if header := env.Header(); header != nil {
		if Child(header, NsEbMS, "Messaging") != nil {
			env.Ebms = EbmsV3
		} else if Child(header, NsEbMSv2, "MessageHeader") != nil ||
			Child(header, NsEbMSv2, "Acknowledgment") != nil ||
			Child(header, NsEbMSv2, "ErrorList") != nil {
			env.Ebms = EbmsV2
		}
	}
	return env, nil
}

// Header returns the SOAP Header element, or nil.
func (e *Envelope) Header() *etree.Element {
	return Child(e.Doc.Root(), e.SOAP.Namespace(), "Header")
}

// Body returns the SOAP Body element, or nil.
func (e *Envelope) Body() *etree.Element {
	return Child(e.Doc.Root(), e.SOAP.Namespace(), "Body")
}

// Messaging returns the ebMS3 Messaging header block, or nil.
func (e *Envelope) Messaging() *etree.Element {
	header := e.Header()
	if header == nil {
		return nil
	}
	return Child(header, NsEbMS, "Messaging")
}

// UserMessage returns the ebMS3 UserMessage element, or nil.
func (e *Envelope) UserMessage() *etree.Element {
	if m := e.Messaging(); m != nil {
		return Child(m, NsEbMS, "UserMessage")
	}
	return nil
}

// SignalMessage returns the ebMS3 SignalMessage element, or nil.
func (e *Envelope) SignalMessage() *etree.Element {
	if m := e.Messaging(); m != nil {
		return Child(m, NsEbMS, "SignalMessage")
	}
	return nil
}

// Security returns the WS-Security header block, or nil.
func (e *Envelope) Security() *etree.Element {
	header := e.Header()
	if header == nil {
		return nil
	}
	return Child(header, NsWSSE, "Security")
}

// BodyPayload returns the first element child of the SOAP body. An empty
// body yields nil.
func (e *Envelope) BodyPayload() *etree.Element {
	body := e.Body()
	if body == nil {
		return nil
	}
	elems := body.ChildElements()
	if len(elems) == 0 {
		return nil
	}
	return elems[0]
}

// Bytes serialises the envelope.
func (e *Envelope) Bytes() ([]byte, error) {
	return e.Doc.WriteToBytes()
}

// Child returns the first direct child of parent with the given namespace
// URI and local name.
func Child(parent *etree.Element, ns, tag string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

// Children returns every direct child of parent with the given namespace
// URI and local name, in document order.
func Children(parent *etree.Element, ns, tag string) []*etree.Element {
	if parent == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

// Path follows a chain of child elements in one namespace.
func Path(parent *etree.Element, ns string, tags ...string) *etree.Element {
	cur := parent
	for _, tag := range tags {
		cur = Child(cur, ns, tag)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// PathText returns the trimmed text of the element at Path, or "".
func PathText(parent *etree.Element, ns string, tags ...string) string {
	if e := Path(parent, ns, tags...); e != nil {
		return trimText(e)
	}
	return ""
}

// Descendant returns the first element below root, depth first, with the
// given namespace URI and local name.
func Descendant(root *etree.Element, ns, tag string) *etree.Element {
	if root == nil {
		return nil
	}
	for _, c := range root.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
		if found := Descendant(c, ns, tag); found != nil {
			return found
		}
	}
	return nil
}

// Descendants returns every element below root with the given namespace URI
// and local name, in document order.
func Descendants(root *etree.Element, ns, tag string) []*etree.Element {
	if root == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range root.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
		out = append(out, Descendants(c, ns, tag)...)
	}
	return out
}

// AttrNS returns the value of an attribute identified by namespace URI and
// local name.
func AttrNS(e *etree.Element, ns, key string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attr {
		if a.Key == key && a.NamespaceURI() == ns {
			return a.Value
		}
	}
	return ""
}

var knownPrefixes = map[string]string{
	NsEbMS:   "eb",
	NsEbMSv2: "eb2",
	NsEbbp:   "ebbp",
	NsDS:     "ds",
	NsWSSE:   "wsse",
	NsWSU:    "wsu",
	NsSOAP11: "env",
	NsSOAP12: "env",
}

// ImportElement deep-copies src, which belongs to another document, under
// parent. Namespaces are resolved against the source document and rebound
// to the prefixes used by this package, declaring any prefix the new
// location does not already resolve.
func ImportElement(parent, src *etree.Element) *etree.Element {
	uri := src.NamespaceURI()
	prefix, ok := knownPrefixes[uri]
	if !ok {
		prefix = src.Space
	}

	tag := src.Tag
	if prefix != "" {
		tag = prefix + ":" + src.Tag
	}
	el := parent.CreateElement(tag)
	if el.NamespaceURI() != uri {
		if prefix == "" {
			el.CreateAttr("xmlns", uri)
		} else {
			el.CreateAttr("xmlns:"+prefix, uri)
		}
	}

	for _, a := range src.Attr {
		switch {
		case a.Space == "xmlns", a.Space == "" && a.Key == "xmlns":
			continue
		case a.Space == "", a.Space == "xml":
			el.CreateAttr(a.FullKey(), a.Value)
		default:
			auri := a.NamespaceURI()
			ap, known := knownPrefixes[auri]
			if !known {
				ap = a.Space
			}
			if el.SelectAttr("xmlns:"+ap) == nil && resolvePrefix(el, ap) != auri {
				el.CreateAttr("xmlns:"+ap, auri)
			}
			el.CreateAttr(ap+":"+a.Key, a.Value)
		}
	}

	if text := src.Text(); text != "" {
		el.SetText(text)
	}
	for _, c := range src.ChildElements() {
		ImportElement(el, c)
	}
	return el
}

// resolvePrefix walks up from e looking for a declaration of prefix.
func resolvePrefix(e *etree.Element, prefix string) string {
	for cur := e; cur != nil; cur = cur.Parent() {
		if a := cur.SelectAttr("xmlns:" + prefix); a != nil {
			return a.Value
		}
	}
	return ""
}

func trimText(e *etree.Element) string {
	return strings.TrimSpace(e.Text())
}
