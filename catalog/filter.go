package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter is the administrative area a query is scoped to.
type Filter struct {
	State    string
	District string
	Tehsil   string
}

// ParseFilter reads a "state/district/tehsil" location. Trailing parts may
// be omitted when the queries do not use them.
func ParseFilter(s string) (Filter, error) {
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return Filter{}, fmt.Errorf("%w: %q has more than three parts", ErrInvalidFilter, s)
	}
	var f Filter
	fields := []*string{&f.State, &f.District, &f.Tehsil}
	for i, p := range parts {
		*fields[i] = strings.TrimSpace(p)
	}
	if f.State == "" {
		return Filter{}, fmt.Errorf("%w: %q has no state", ErrInvalidFilter, s)
	}
	return f, nil
}

func (f Filter) String() string {
	return strings.TrimRight(f.State+"/"+f.District+"/"+f.Tehsil, "/")
}

func (f Filter) values() map[string]string {
	return map[string]string{
		"state":    f.State,
		"district": f.District,
		"tehsil":   f.Tehsil,
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render substitutes the filter's values, lowercased, for the {{state}},
// {{district}} and {{tehsil}} placeholders of a query template. A placeholder
// that is unknown or has no value is an error.
func Render(template string, f Filter) (string, error) {
	values := f.values()

	var err error
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if err != nil {
			return m
		}
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := values[key]
		switch {
		case !ok:
			err = fmt.Errorf("%w: unknown placeholder %s", ErrInvalidTemplate, m)
		case v == "":
			err = fmt.Errorf("%w: no value for %s in %q", ErrInvalidFilter, m, f.String())
		}
		return strings.ToLower(v)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
