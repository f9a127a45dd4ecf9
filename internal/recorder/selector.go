// internal/recorder/selector.go
package recorder

import (
	"regexp"
	"strings"
)

// ElementDescriptor is what the capture script reports about an event target.
type ElementDescriptor struct {
	Tag          string   `json:"tag"`
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Classes      []string `json:"classes,omitempty"`
	Type         string   `json:"type,omitempty"`
	Autocomplete string   `json:"autocomplete,omitempty"`
	Text         string   `json:"text,omitempty"`
	// Path is a structural nth-of-type path from the document root.
	Path string `json:"path,omitempty"`
	// Field is set for text entry elements that take part in input commits.
	Field bool `json:"field,omitempty"`
}

var cssIdent = regexp.MustCompile(`^-?[A-Za-z_][A-Za-z0-9_-]*$`)

// Selector derives a CSS selector, preferring the most stable attribute:
// id, then name qualified by tag, then class list qualified by tag, then the
// structural path. Uniqueness is best effort.
func (d ElementDescriptor) Selector() string {
	tag := strings.ToLower(d.Tag)
	if d.ID != "" {
		if cssIdent.MatchString(d.ID) {
			return "#" + d.ID
		}
		return `[id="` + escapeAttr(d.ID) + `"]`
	}
	if d.Name != "" {
		return tag + `[name="` + escapeAttr(d.Name) + `"]`
	}
	var classes []string
	for _, c := range d.Classes {
		if cssIdent.MatchString(c) {
			classes = append(classes, c)
		}
	}
	if len(classes) > 0 && tag != "" {
		return tag + "." + strings.Join(classes, ".")
	}
	if d.Path != "" {
		return d.Path
	}
	return tag
}

// FieldKey identifies a form field across signals. It ignores classes, which
// change as pages toggle validation styles.
func (d ElementDescriptor) FieldKey() string {
	switch {
	case d.ID != "":
		return "#" + d.ID
	case d.Name != "":
		return `[name="` + escapeAttr(d.Name) + `"]`
	case d.Path != "":
		return d.Path
	}
	return strings.ToLower(d.Tag)
}

func escapeAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
