package expr

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

// ParseSchema parses a "name type [not null]; ..." column list. Types use
// the names of ParseTypeName.
func ParseSchema(spec string) (*arrow.Schema, error) {
	var fields []arrow.Field
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		words := strings.Fields(part)
		if len(words) < 2 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "invalid column definition %q", part)
		}
		f := arrow.Field{Name: words[0], Nullable: true}
		rest := strings.ToLower(strings.Join(words[1:], " "))
		if strings.HasSuffix(rest, " not null") {
			f.Nullable = false
			rest = strings.TrimSpace(strings.TrimSuffix(rest, " not null"))
		}
		t, err := ParseTypeName(strings.ReplaceAll(rest, " ", ""))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "column "+f.Name)
		}
		f.Type = t
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "schema has no columns")
	}
	return arrow.NewSchema(fields, nil), nil
}
