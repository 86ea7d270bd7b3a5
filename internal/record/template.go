package record

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/kiroku/internal/model"
)

// TemplateErrorKey carries the reason a message template could not be fully
// rendered.
const TemplateErrorKey = model.ReservedPrefix + "template_error"

// Render substitutes {key} placeholders in template with attribute values.
// "{{" and "}}" produce literal braces. A placeholder naming a missing
// attribute, or an unterminated one, is left verbatim and reported in the
// returned error; the rest of the template is still rendered.
func Render(template string, attrs model.Attributes) (string, error) {
	if !strings.ContainsAny(template, "{}") {
		return template, nil
	}
	var (
		b       strings.Builder
		missing []string
	)
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				b.WriteString(template[i:])
				missing = append(missing, "unterminated placeholder")
				i = len(template)
				continue
			}
			key := template[i+1 : i+1+end]
			if v, ok := attrs.Get(strings.TrimSpace(key)); ok {
				b.WriteString(v.String())
			} else {
				b.WriteString(template[i : i+2+end])
				missing = append(missing, fmt.Sprintf("missing attribute %q", key))
			}
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	if len(missing) > 0 {
		return b.String(), fmt.Errorf("record: render %q: %s", template, strings.Join(missing, ", "))
	}
	return b.String(), nil
}

var highCardinality = regexp.MustCompile(`\d{6,}|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// looksPreformatted reports whether a placeholder-free template with no
// attributes appears to embed runtime values such as ids or timestamps.
func looksPreformatted(template string, attrs []model.Attr) bool {
	if len(attrs) > 0 || strings.ContainsRune(template, '{') {
		return false
	}
	return highCardinality.MatchString(template)
}
