package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/TheMichaelB/locsync/internal/models"
)

const maxHistoryBody = 32 << 20

// Timestamp layouts accepted from the read endpoint.
var historyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// flexString decodes a JSON string or number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat decodes a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", string(s))
	}
	*f = flexFloat(v)
	return nil
}

type historyRecord struct {
	ID        flexString `json:"id"`
	Latitude  flexFloat  `json:"latitude"`
	Longitude flexFloat  `json:"longitude"`
	Timestamp string     `json:"timestamp"`
	User      string     `json:"user"`
	Owner     string     `json:"owner"`
	Accuracy  flexFloat  `json:"accuracy"`
}

func parseHistoryTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range historyLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// decodeHistory converts a read endpoint body into synced samples, in
// response order.
func decodeHistory(data []byte) ([]models.Sample, error) {
	var records []historyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	samples := make([]models.Sample, 0, len(records))
	for i, rec := range records {
		ts, err := parseHistoryTime(rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		owner := rec.Owner
		if owner == "" {
			owner = rec.User
		}

		s := models.Sample{
			ID:         string(rec.ID),
			Latitude:   float64(rec.Latitude),
			Longitude:  float64(rec.Longitude),
			CapturedAt: ts,
			Owner:      owner,
			Accuracy:   float64(rec.Accuracy),
			State:      models.StateSynced,
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// FetchHistory reads the collector's stored samples. Every failure is a
// *models.FetchError.
func (c *HTTPClient) FetchHistory(ctx context.Context) ([]models.Sample, error) {
	if c.readURL == "" {
		return nil, &models.FetchError{Err: fmt.Errorf("api.read_url is not configured")}
	}

	var samples []models.Sample
	err := c.guard(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.readURL, nil)
		if err != nil {
			return &models.FatalSyncError{Code: models.ErrCodeRequest, Err: fmt.Errorf("create request: %w", err)}
		}

		if len(c.readParams) > 0 {
			q := req.URL.Query()
			for k, vs := range c.readParams {
				for _, v := range vs {
					q.Set(k, v)
				}
			}
			req.URL.RawQuery = q.Encode()
		}
		req.Header.Set("Accept", "application/json")
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBody))
		if err != nil {
			return classifyTransportError(err)
		}

		samples, err = decodeHistory(data)
		if err != nil {
			return &models.FatalSyncError{Code: models.ErrCodeFetch, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, &models.FetchError{Err: err}
	}

	c.logger.WithField("count", len(samples)).Debug("Fetched history")
	return samples, nil
}
