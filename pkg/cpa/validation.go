package cpa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

// ValidationType selects how a Validation is evaluated.
type ValidationType string

const (
	// ValidationXPath requires the expression to select an element.
	ValidationXPath ValidationType = "xpath"
	// ValidationXPathConstant requires the selected text to equal Value.
	ValidationXPathConstant ValidationType = "xpathConstant"
	// ValidationXPathRegex requires the selected text to match Regex.
	ValidationXPathRegex ValidationType = "xpathRegex"
)

// Validation is a predicate over the inbound envelope attached to an action.
// Expressions are etree paths; namespace prefixes are matched by local name.
type Validation struct {
	Type       ValidationType `json:"type"`
	Name       string         `json:"name,omitempty"`
	Expression string         `json:"expression"`
	Value      string         `json:"value,omitempty"`
	Regex      string         `json:"regex,omitempty"`

	path     etree.Path
	re       *regexp.Regexp
	compiled bool
}

var (
	prefixPattern = regexp.MustCompile(`([/\[@]|^)[A-Za-z_][\w.-]*:([A-Za-z_*])`)
	// "//eb://Service" was accepted by earlier configurations.
	legacyPrefixPattern = regexp.MustCompile(`/[A-Za-z_][\w.-]*://`)
)

// normalizeExpression rewrites an XPath-like expression into etree path
// syntax with namespace prefixes removed.
func normalizeExpression(expr string) string {
	expr = strings.TrimSpace(expr)
	expr = legacyPrefixPattern.ReplaceAllString(expr, "/")
	expr = strings.TrimSuffix(expr, "/text()")
	return prefixPattern.ReplaceAllString(expr, "$1$2")
}

func (v *Validation) compile() error {
	if v.Expression == "" {
		return fmt.Errorf("validation %q: expression is required", v.Name)
	}
	path, err := etree.CompilePath(normalizeExpression(v.Expression))
	if err != nil {
		return fmt.Errorf("validation %q: %w", v.Name, err)
	}
	v.path = path

	switch v.Type {
	case ValidationXPath, ValidationXPathConstant:
	case ValidationXPathRegex:
		re, err := regexp.Compile(v.Regex)
		if err != nil {
			return fmt.Errorf("validation %q: %w", v.Name, err)
		}
		v.re = re
	default:
		return fmt.Errorf("validation %q: unknown type %q", v.Name, v.Type)
	}
	v.compiled = true
	return nil
}

// Matches evaluates the predicate against doc. An uncompiled validation
// never matches.
func (v *Validation) Matches(doc *etree.Document) bool {
	if doc == nil || !v.compiled {
		return false
	}
	el := doc.FindElementPath(v.path)
	if el == nil {
		return false
	}
	text := strings.TrimSpace(el.Text())
	switch v.Type {
	case ValidationXPath:
		return true
	case ValidationXPathConstant:
		return text == v.Value
	case ValidationXPathRegex:
		return v.re.MatchString(text)
	}
	return false
}
