package message

import (
	"strings"
)

// NormalizeContentID strips the cid: prefix and angle brackets from a
// Content-ID or href.
func NormalizeContentID(contentID string) string {
	contentID = strings.TrimSpace(contentID)
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// MatchContentID checks if two Content-IDs match, ignoring formatting differences.
func MatchContentID(id1, id2 string) bool {
	return NormalizeContentID(id1) == NormalizeContentID(id2)
}

// PartByContentID finds the PartInfo referencing contentID. The SOAP body
// part is matched by an empty content id.
func (h *Header) PartByContentID(contentID string) (PartInfo, bool) {
	want := NormalizeContentID(contentID)
	for _, p := range h.Parts {
		if p.ContentID() == want {
			return p, true
		}
	}
	return PartInfo{}, false
}

// ParsePartProperties parses "name=value;name=value" into ordered
// properties. Empty segments and segments without '=' are skipped.
func ParsePartProperties(s string) []Property {
	var props []Property
	for _, seg := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(seg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		props = append(props, Property{Name: name, Value: strings.TrimSpace(value)})
	}
	return props
}

// FormatPartProperties is the inverse of ParsePartProperties.
func FormatPartProperties(props []Property) string {
	parts := make([]string, 0, len(props))
	for _, p := range props {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return strings.Join(parts, ";")
}

// SetProperty replaces the first property with the given name or appends a
// new one.
func SetProperty(props []Property, name, value string) []Property {
	for i := range props {
		if props[i].Name == name {
			props[i].Value = value
			return props
		}
	}
	return append(props, Property{Name: name, Value: value})
}
