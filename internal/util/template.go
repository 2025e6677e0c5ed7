package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items []any) string {
		strs := make([]string, len(items))
		for i, item := range items {
			strs[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(strs, sep)
	},
}

// Template is a system message with optional {{ }} placeholders resolved
// against the run's state object.
type Template struct {
	text string
	tmpl *template.Template
}

// ParseTemplate compiles text. Text without markers is returned verbatim by
// Render.
func ParseTemplate(text string) (*Template, error) {
	t := &Template{text: text}
	if !strings.Contains(text, "{{") {
		return t, nil
	}
	tmpl, err := template.New("system").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}
	t.tmpl = tmpl
	return t, nil
}

// Render executes the template with state decoded as a JSON object. A
// missing or non-object state renders with no data.
func (t *Template) Render(state json.RawMessage) (string, error) {
	if t.tmpl == nil {
		return t.text, nil
	}
	var data map[string]any
	if len(state) > 0 {
		_ = json.Unmarshal(state, &data)
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
