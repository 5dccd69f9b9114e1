package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/transport"
)

func testConfig(url string) *config.APIConfig {
	return &config.APIConfig{
		WriteURL:         url + "/locations",
		WriteMethod:      http.MethodPost,
		ReadURL:          url + "/locations",
		ReadParams:       []config.KeyValue{{Name: "apiKey", Value: "k1"}},
		Timeout:          5 * time.Second,
		UserAgent:        "test",
		Headers:          []config.KeyValue{{Name: "X-Device", Value: "d1"}},
		Params:           []config.KeyValue{{Name: "user", Value: "alice"}},
		LocationTemplate: `{"id":"<%= id %>","latitude":"<%= latitude %>","longitude":"<%= longitude %>"}`,
		HTTPRootProperty: ".",
	}
}

func newClient(t *testing.T, cfg *config.APIConfig, opts ...transport.Option) *transport.HTTPClient {
	t.Helper()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	client, err := transport.NewHTTPClient(cfg, logger, opts...)
	require.NoError(t, err)
	return client
}

func testSample(id string) models.Sample {
	return models.Sample{
		ID:         id,
		Latitude:   52.5,
		Longitude:  13.4,
		CapturedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Owner:      "alice",
	}
}

func TestHTTPClientUpload(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/locations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "d1", r.Header.Get("X-Device"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))

		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newClient(t, testConfig(server.URL))
	err := client.Upload(context.Background(), []models.Sample{testSample("s1")})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"id":        "s1",
		"latitude":  "52.5",
		"longitude": "13.4",
		"user":      "alice",
	}, got)
}

func TestHTTPClientUploadBatch(t *testing.T) {
	var got []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.WriteMethod = http.MethodPut
	client := newClient(t, cfg, transport.WithBatchBodies(true))

	require.NoError(t, client.Upload(context.Background(), []models.Sample{testSample("s1"), testSample("s2")}))
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0]["id"])
	assert.Equal(t, "s2", got[1]["id"])
	assert.Equal(t, "alice", got[1]["user"])
}

func TestHTTPClientUploadErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantFatal bool
		wantCode  string
	}{
		{"server error", http.StatusInternalServerError, false, models.ErrCodeServer},
		{"rate limited", http.StatusTooManyRequests, false, models.ErrCodeRateLimit},
		{"request timeout", http.StatusRequestTimeout, false, models.ErrCodeTimeout},
		{"unauthorized", http.StatusUnauthorized, true, models.ErrCodeAuth},
		{"bad request", http.StatusBadRequest, true, models.ErrCodeRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": "nope"}`))
			}))
			defer server.Close()

			client := newClient(t, testConfig(server.URL))
			err := client.Upload(context.Background(), []models.Sample{testSample("s1")})
			require.Error(t, err)
			assert.Equal(t, tt.wantFatal, models.IsFatal(err))
			assert.Equal(t, tt.wantCode, models.ErrorCode(err))

			var apiErr *models.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Contains(t, apiErr.Body, "nope")
		})
	}
}

func TestHTTPClientUploadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := newClient(t, testConfig(server.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Upload(ctx, []models.Sample{testSample("s1")})
	require.Error(t, err)
	assert.False(t, models.IsFatal(err))
	assert.Equal(t, models.ErrCodeTimeout, models.ErrorCode(err))
}

func TestHTTPClientUploadUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newClient(t, testConfig(url))
	err := client.Upload(context.Background(), []models.Sample{testSample("s1")})
	require.Error(t, err)
	assert.False(t, models.IsFatal(err))
}

func TestHTTPClientCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BreakerFailures = 2
	cfg.BreakerOpenTimeout = time.Minute
	client := newClient(t, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := client.Upload(ctx, []models.Sample{testSample("s1")})
		assert.Equal(t, models.ErrCodeServer, models.ErrorCode(err))
	}

	err := client.Upload(ctx, []models.Sample{testSample("s1")})
	require.Error(t, err)
	assert.False(t, models.IsFatal(err))
	assert.Equal(t, models.ErrCodeCircuit, models.ErrorCode(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPClientBreakerIgnoresFatal(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BreakerFailures = 1
	cfg.BreakerOpenTimeout = time.Minute
	client := newClient(t, cfg)

	for i := 0; i < 3; i++ {
		err := client.Upload(context.Background(), []models.Sample{testSample("s1")})
		assert.Equal(t, models.ErrCodeRequest, models.ErrorCode(err))
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPClientRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RateLimit = 0.01
	cfg.RateBurst = 1
	client := newClient(t, cfg)

	require.NoError(t, client.Upload(context.Background(), []models.Sample{testSample("s1")}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.Upload(ctx, []models.Sample{testSample("s2")})
	require.Error(t, err)
	assert.False(t, models.IsFatal(err))
}

func TestNewHTTPClientRejectsTemplate(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.LocationTemplate = `{"lat": <%= nope %>}`

	_, err := transport.NewHTTPClient(cfg, events.NewDiscardLogger())
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeTemplate, models.ErrorCode(err))
}

func TestHTTPClientFetchHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "k1", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 1, "latitude": 52.5, "longitude": 13.4, "timestamp": "2024-03-01T12:00:00Z", "user": "alice"},
			{"id": 2, "latitude": "52.6", "longitude": "13.5", "timestamp": "2024-03-01T12:01:00.5Z", "user": "alice"}
		]`))
	}))
	defer server.Close()

	client := newClient(t, testConfig(server.URL))
	samples, err := client.FetchHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "1", samples[0].ID)
	assert.Equal(t, "2", samples[1].ID)
	assert.Equal(t, 52.6, samples[1].Latitude)
	assert.Equal(t, "alice", samples[1].Owner)
	assert.Equal(t, models.StateSynced, samples[1].State)
}

func TestHTTPClientFetchHistoryErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"oops"`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newClient(t, testConfig(server.URL))
			_, err := client.FetchHistory(context.Background())
			require.Error(t, err)

			var fetchErr *models.FetchError
			assert.True(t, errors.As(err, &fetchErr))
		})
	}
}

func TestHTTPClientFetchHistoryNotConfigured(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.ReadURL = ""
	client := newClient(t, cfg)

	_, err := client.FetchHistory(context.Background())
	var fetchErr *models.FetchError
	assert.True(t, errors.As(err, &fetchErr))
}

func TestStreamClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteJSON(models.StreamMessage{Type: models.StreamTypePing, Timestamp: time.Now()})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		_ = conn.WriteJSON(models.StreamMessage{
			Type:      models.StreamTypeEvent,
			Timestamp: time.Now(),
			Event:     &models.StreamEvent{Kind: "sync_succeeded", SampleIDs: []string{"s1"}},
		})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	client := transport.NewStreamClient(server.URL, events.NewDiscardLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	var messages []models.StreamMessage
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				require.Len(t, messages, 1)
				assert.Equal(t, models.StreamTypeEvent, messages[0].Type)
				assert.Equal(t, "sync_succeeded", messages[0].Event.Kind)
				assert.Equal(t, []string{"s1"}, messages[0].Event.SampleIDs)
				return
			}
			messages = append(messages, msg)
		case <-timeout:
			t.Fatal("timeout waiting for messages")
		}
	}
}

func TestMockCollector(t *testing.T) {
	mock := transport.NewMockCollector()
	mock.FailUploads(errors.New("boom"))
	mock.SetHistory([]models.Sample{testSample("h1")})

	ctx := context.Background()
	assert.Error(t, mock.Upload(ctx, []models.Sample{testSample("s1")}))
	assert.NoError(t, mock.Upload(ctx, []models.Sample{testSample("s2"), testSample("s3")}))
	assert.Equal(t, [][]string{{"s1"}, {"s2", "s3"}}, mock.UploadedIDs())
	assert.Equal(t, 1, mock.MaxConcurrentUploads())

	history, err := mock.FetchHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	mock.SetFetchError(errors.New("down"))
	_, err = mock.FetchHistory(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, mock.FetchCount())
}
