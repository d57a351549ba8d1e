package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

// Render formats one finding with the rule's template. Templates reference
// finding fields by their JSON names, e.g. {{.token_id}}. When the template
// is empty, does not parse, or references a missing field, Render falls back
// to a generic JSON dump and reports fellBack=true; the fallback is a visible
// branch, not a recovered failure.
func Render(tmpl, rule string, f Finding, now time.Time) (text string, fellBack bool) {
	data := fieldMap(f)
	stamp := now.Format("2006-01-02 15:04:05")

	if tmpl != "" {
		t, err := template.New(rule).Option("missingkey=error").Parse(tmpl)
		if err == nil {
			var buf bytes.Buffer
			if err := t.Execute(&buf, data); err == nil {
				return fmt.Sprintf("%s\n\n⏰ Time: %s", buf.String(), stamp), false
			}
		}
	}

	dump, _ := json.MarshalIndent(data, "", "  ")
	return fmt.Sprintf("🚨 %s rule triggered\n%s\n\n⏰ Time: %s", rule, dump, stamp), true
}

// fieldMap exposes a finding's fields under their JSON names.
func fieldMap(f Finding) map[string]any {
	raw, err := json.Marshal(f)
	if err != nil {
		return map[string]any{"identity": f.Identity()}
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"identity": f.Identity()}
	}
	return m
}
