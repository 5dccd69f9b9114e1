package transport

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	json "github.com/goccy/go-json"

	"github.com/TheMichaelB/locsync/internal/models"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// erbTag matches the <%= name %> placeholders of the original location
// template syntax.
var erbTag = regexp.MustCompile(`<%=\s*(\w+)\s*%>`)

// bodyRenderer builds request bodies from the location template.
type bodyRenderer struct {
	tmpl        *template.Template
	root        string
	params      map[string]string
	batchBodies bool
}

func newBodyRenderer(locationTemplate, root string, params map[string]string, batchBodies bool) (*bodyRenderer, error) {
	source := erbTag.ReplaceAllString(locationTemplate, "{{.$1}}")

	tmpl, err := template.New("location").Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse location template: %w", err)
	}

	r := &bodyRenderer{
		tmpl:        tmpl,
		root:        strings.TrimSpace(root),
		params:      params,
		batchBodies: batchBodies,
	}

	// Catch unknown fields and non-object output before the first upload.
	probe := models.Sample{ID: "probe", CapturedAt: time.Unix(0, 0)}
	if _, err := r.record(probe); err != nil {
		return nil, err
	}

	return r, nil
}

// templateData holds the template fields. Strings are JSON escaped without
// quotes, since templates place fields inside string literals.
func templateData(s models.Sample) map[string]interface{} {
	extras := make(map[string]string, len(s.Extras))
	for k, v := range s.Extras {
		extras[k] = escapeJSON(v)
	}

	id := escapeJSON(s.ID)
	return map[string]interface{}{
		"id":        id,
		"uuid":      id,
		"latitude":  formatFloat(s.Latitude),
		"longitude": formatFloat(s.Longitude),
		"timestamp": s.CapturedAt.UTC().Format(timestampLayout),
		"owner":     escapeJSON(s.Owner),
		"accuracy":  formatFloat(s.Accuracy),
		"altitude":  formatFloat(s.Altitude),
		"speed":     formatFloat(s.Speed),
		"heading":   formatFloat(s.Heading),
		"is_moving": strconv.FormatBool(s.IsMoving),
		"extras":    extras,
	}
}

func escapeJSON(v string) string {
	data, err := json.Marshal(v)
	if err != nil || len(data) < 2 {
		return ""
	}
	return string(data[1 : len(data)-1])
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// record renders one sample into a JSON object.
func (r *bodyRenderer) record(s models.Sample) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, templateData(s)); err != nil {
		return nil, &models.FatalSyncError{Code: models.ErrCodeTemplate, Err: fmt.Errorf("render location template: %w", err)}
	}

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		return nil, &models.FatalSyncError{Code: models.ErrCodeTemplate, Err: fmt.Errorf("location template must render a JSON object: %w", err)}
	}
	return rec, nil
}

// render builds the request body for samples.
//
// With root "." the record (or the array for batches) is the body and the
// params are merged into each record. Any other root wraps the payload:
// {"<root>": record-or-array, ...params}.
func (r *bodyRenderer) render(samples []models.Sample) ([]byte, error) {
	atRoot := r.root == "" || r.root == "."

	records := make([]map[string]interface{}, 0, len(samples))
	for _, s := range samples {
		rec, err := r.record(s)
		if err != nil {
			return nil, err
		}
		if atRoot {
			for k, v := range r.params {
				rec[k] = v
			}
		}
		records = append(records, rec)
	}

	var payload interface{} = records
	if len(records) == 1 && !r.batchBodies {
		payload = records[0]
	}

	if !atRoot {
		body := make(map[string]interface{}, len(r.params)+1)
		for k, v := range r.params {
			body[k] = v
		}
		body[r.root] = payload
		payload = body
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &models.FatalSyncError{Code: models.ErrCodeTemplate, Err: fmt.Errorf("marshal body: %w", err)}
	}
	return data, nil
}
