package util

import (
	"bytes"
	"strings"
	"text/template"
)

// RenderTemplate substitutes {{.name}} markers in rule action text with
// extracted variable values. Text without markers passes through
// untouched on a fast path.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("action").Option("missingkey=zero").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}).Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
