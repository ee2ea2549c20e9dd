// Package events renders event handler command templates and runs them
// asynchronously, off the scheduling loop.
package events

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/me/gocycle/pkg/model"
)

// Fields are the values a handler template can reference, e.g.
// "notify --task {{.ID}} --event {{.Event | quote}}".
type Fields struct {
	Workflow   string
	Event      string
	ID         string
	Name       string
	Point      string
	TryNum     int
	SubmitNum  int
	Message    string
	JobID      string
	Platform   string
	Time       string
	SubmitTime string
	StartTime  string
	FinishTime string
}

// FieldsFor builds the template fields of ev.
func FieldsFor(workflow string, ev model.Event) Fields {
	return Fields{
		Workflow:   workflow,
		Event:      ev.Event,
		ID:         ev.TaskID,
		Name:       ev.Name,
		Point:      ev.Point,
		TryNum:     ev.TryNum,
		SubmitNum:  ev.SubmitNum,
		Message:    ev.Message,
		JobID:      ev.JobID,
		Platform:   ev.Platform,
		Time:       formatTime(&ev.Time),
		SubmitTime: formatTime(ev.SubmitTime),
		StartTime:  formatTime(ev.StartTime),
		FinishTime: formatTime(ev.FinishTime),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Render executes a handler template against f. Unknown fields are errors.
func Render(tmpl string, f Fields) (string, error) {
	t, err := template.New("handler").
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse handler template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, f); err != nil {
		return "", fmt.Errorf("render handler template: %w", err)
	}
	return buf.String(), nil
}
