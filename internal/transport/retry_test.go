package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/locsync/internal/models"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantFatal bool
		wantCode  string
	}{
		{http.StatusOK, false, ""},
		{http.StatusCreated, false, ""},
		{http.StatusNoContent, false, ""},
		{http.StatusRequestTimeout, false, models.ErrCodeTimeout},
		{http.StatusTooManyRequests, false, models.ErrCodeRateLimit},
		{http.StatusInternalServerError, false, models.ErrCodeServer},
		{http.StatusBadGateway, false, models.ErrCodeServer},
		{http.StatusServiceUnavailable, false, models.ErrCodeServer},
		{http.StatusUnauthorized, true, models.ErrCodeAuth},
		{http.StatusForbidden, true, models.ErrCodeAuth},
		{http.StatusBadRequest, true, models.ErrCodeRequest},
		{http.StatusNotFound, true, models.ErrCodeRequest},
		{http.StatusUnprocessableEntity, true, models.ErrCodeRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader(" rejected \n")),
			}

			err := classifyStatus(resp)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantFatal, models.IsFatal(err))
			assert.Equal(t, tt.wantCode, models.ErrorCode(err))

			var apiErr *models.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "rejected", apiErr.Body)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(408))
	assert.True(t, isRetryable(429))
	assert.True(t, isRetryable(500))
	assert.True(t, isRetryable(599))
	assert.False(t, isRetryable(400))
	assert.False(t, isRetryable(404))
	assert.False(t, isRetryable(600))
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyTransportError(context.DeadlineExceeded)
	assert.False(t, models.IsFatal(err))
	assert.Equal(t, models.ErrCodeTimeout, models.ErrorCode(err))

	err = classifyTransportError(errors.New("connection refused"))
	assert.False(t, models.IsFatal(err))
	assert.Equal(t, models.ErrCodeNetwork, models.ErrorCode(err))
}

func sample(id string, lat, lon float64) models.Sample {
	return models.Sample{
		ID:         id,
		Latitude:   lat,
		Longitude:  lon,
		CapturedAt: time.Date(2024, 3, 1, 12, 30, 0, 250_000_000, time.UTC),
		Owner:      "alice",
	}
}

func TestBodyRendererSingleAtRoot(t *testing.T) {
	r, err := newBodyRenderer(
		`{"lat":"<%= latitude %>","lng":"<%=longitude%>","at":"{{.timestamp}}"}`,
		".",
		map[string]string{"user": "alice"},
		false,
	)
	require.NoError(t, err)

	body, err := r.render([]models.Sample{sample("a", 52.5, 13.25)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":"52.5","lng":"13.25","at":"2024-03-01T12:30:00.250Z","user":"alice"}`, string(body))
}

func TestBodyRendererBatchAtRoot(t *testing.T) {
	r, err := newBodyRenderer(`{"id":"{{.id}}"}`, ".", nil, false)
	require.NoError(t, err)

	body, err := r.render([]models.Sample{sample("a", 1, 2), sample("b", 3, 4)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(body))
}

func TestBodyRendererBatchBodies(t *testing.T) {
	r, err := newBodyRenderer(`{"id":"{{.id}}"}`, ".", nil, true)
	require.NoError(t, err)

	body, err := r.render([]models.Sample{sample("a", 1, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"}]`, string(body))
}

func TestBodyRendererWrapped(t *testing.T) {
	r, err := newBodyRenderer(`{"id":"{{.id}}","moving":{{.is_moving}}}`, "locations", map[string]string{"device": "d1"}, false)
	require.NoError(t, err)

	body, err := r.render([]models.Sample{sample("a", 1, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"locations":{"id":"a","moving":false},"device":"d1"}`, string(body))

	body, err = r.render([]models.Sample{sample("a", 1, 2), sample("b", 1, 2)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"locations":[{"id":"a","moving":false},{"id":"b","moving":false}],"device":"d1"}`, string(body))
}

func TestBodyRendererExtras(t *testing.T) {
	r, err := newBodyRenderer(`{"battery":"{{index .extras "battery"}}"}`, ".", nil, false)
	require.NoError(t, err)

	s := sample("a", 1, 2)
	s.Extras = map[string]string{"battery": "0.8"}
	body, err := r.render([]models.Sample{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"battery":"0.8"}`, string(body))
}

func TestBodyRendererEscapesStrings(t *testing.T) {
	r, err := newBodyRenderer(
		`{"id":"<%= id %>","user":"<%= owner %>","note":"{{index .extras "note"}}"}`, ".", nil, false)
	require.NoError(t, err)

	s := sample(`id"1`, 1, 2)
	s.Owner = `Bu"rak\`
	s.Extras = map[string]string{"note": "line1\nline2 \"quoted\" <tag>"}
	body, err := r.render([]models.Sample{s})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, `id"1`, got["id"])
	assert.Equal(t, `Bu"rak\`, got["user"])
	assert.Equal(t, "line1\nline2 \"quoted\" <tag>", got["note"])
}

func TestBodyRendererRejectsBadTemplates(t *testing.T) {
	_, err := newBodyRenderer(`{"lat":"{{.latitude"}`, ".", nil, false)
	assert.Error(t, err)

	_, err = newBodyRenderer(`{"x":"<%= unknown %>"}`, ".", nil, false)
	assert.True(t, models.IsFatal(err))
	assert.Equal(t, models.ErrCodeTemplate, models.ErrorCode(err))

	_, err = newBodyRenderer(`not json`, ".", nil, false)
	assert.True(t, models.IsFatal(err))
}

func TestDecodeHistory(t *testing.T) {
	data := []byte(`[
		{"id": 17, "latitude": "52.52", "longitude": 13.405, "timestamp": "2024-03-01T12:30:00Z", "user": "alice"},
		{"id": "b-2", "latitude": 48.1, "longitude": "11.5", "timestamp": "2024-03-01T12:31:00.123", "owner": "bob"},
		{"id": "c", "latitude": 0, "longitude": 0, "timestamp": "2024-03-01 12:32:00"}
	]`)

	samples, err := decodeHistory(data)
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, "17", samples[0].ID)
	assert.Equal(t, 52.52, samples[0].Latitude)
	assert.Equal(t, 13.405, samples[0].Longitude)
	assert.Equal(t, "alice", samples[0].Owner)
	assert.Equal(t, models.StateSynced, samples[0].State)

	assert.Equal(t, "b-2", samples[1].ID)
	assert.Equal(t, 11.5, samples[1].Longitude)
	assert.Equal(t, "bob", samples[1].Owner)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 31, 0, 123_000_000, time.UTC), samples[1].CapturedAt)

	assert.Equal(t, time.Date(2024, 3, 1, 12, 32, 0, 0, time.UTC), samples[2].CapturedAt)
}

func TestDecodeHistoryErrors(t *testing.T) {
	tests := map[string]string{
		"not array":     `{"id": "a"}`,
		"bad timestamp": `[{"id": "a", "latitude": 1, "longitude": 2, "timestamp": "yesterday"}]`,
		"bad number":    `[{"id": "a", "latitude": "north", "longitude": 2, "timestamp": "2024-03-01T12:30:00Z"}]`,
		"out of range":  `[{"id": "a", "latitude": 91, "longitude": 2, "timestamp": "2024-03-01T12:30:00Z"}]`,
		"missing id":    `[{"latitude": 1, "longitude": 2, "timestamp": "2024-03-01T12:30:00Z"}]`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeHistory([]byte(body))
			assert.Error(t, err)
		})
	}
}
