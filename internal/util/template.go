package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		strItems := make([]string, len(items))
		for i, item := range items {
			strItems[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(strItems, sep)
	},
}

// RenderTemplate replaces template variables using Go's text/template package.
// Missing keys render as an error rather than "<no value>".
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("param").Option("missingkey=error").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderParameters renders every string value of params (recursively
// through nested maps and slices) against data. Non-string values are kept.
func RenderParameters(params map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := renderValue(v, data)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func renderValue(v any, data map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		return RenderTemplate(tv, data)
	case map[string]any:
		return RenderParameters(tv, data)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			rv, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// HasTemplate reports whether any string in params (recursively) contains a
// template action.
func HasTemplate(params map[string]any) bool {
	for _, v := range params {
		if hasTemplate(v) {
			return true
		}
	}
	return false
}

func hasTemplate(v any) bool {
	switch tv := v.(type) {
	case string:
		return strings.Contains(tv, "{{")
	case map[string]any:
		return HasTemplate(tv)
	case []any:
		for _, item := range tv {
			if hasTemplate(item) {
				return true
			}
		}
	}
	return false
}
