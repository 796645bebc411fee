package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/meetsync/internal/meeting"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

func TestEndpointURLs(t *testing.T) {
	c := New("http://example.com:8080/")
	assert.Equal(t, "http://example.com:8080", c.BaseURL())
	assert.Equal(t, "http://example.com:8080/api/meetings/m%201/stream", c.StreamURL("m 1"))
	assert.Equal(t, "ws://example.com:8080/ws/meetings/m1", c.PushURL("m1"))
	assert.Equal(t, "wss://secure.example/ws/meetings/m1", New("https://secure.example").PushURL("m1"))
}

func TestFetchConversationEnvelopeAndBare(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"envelope", `{"success":true,"data":{"id":"m1","status":"completed","current_round":2,"max_rounds":2,"messages":[{"id":"a","content":"hi","round_number":1}]}}`},
		{"bare", `{"id":"m1","status":"completed","current_round":2,"max_rounds":2,"messages":[{"id":"a","content":"hi","round_number":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/meetings/m1", r.URL.Path)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			conv, err := New(srv.URL).FetchConversation(context.Background(), "m1")
			require.NoError(t, err)
			assert.Equal(t, meeting.StatusCompleted, conv.State().Status)
			require.Len(t, conv.Messages, 1)
			assert.Equal(t, 1, conv.Messages[0].Round)
		})
	}
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/meetings/m1/status", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"running","current_round":1,"max_rounds":3,"background_running":true}`)
	}))
	defer srv.Close()

	report, err := New(srv.URL).FetchStatus(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, meeting.StatusReport{Status: "running", CurrentRound: 1, MaxRounds: 3, BackgroundRunning: true}, report)
	assert.False(t, report.Finished())
}

func TestTriggerRunAndPostMessage(t *testing.T) {
	bodies := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("X-Forwarded-User"))
		var m map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		bodies[r.URL.Path] = m
		_, _ = io.WriteString(w, `{"success":true,"data":null}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithHeader("X-Forwarded-User", "token"))
	require.NoError(t, c.TriggerRun(context.Background(), "m1", meeting.PendingRun{Rounds: 2, Locale: "zh"}))
	require.NoError(t, c.PostMessage(context.Background(), "m1", "hello"))

	run := bodies["/api/meetings/m1/run"]
	assert.EqualValues(t, 2, run["rounds"])
	assert.Equal(t, "zh", run["locale"])
	_, hasTopic := run["topic"]
	assert.False(t, hasTopic)
	assert.Equal(t, "hello", bodies["/api/meetings/m1/messages"]["content"])
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
		msg      string
	}{
		{"not found", http.StatusNotFound, `{"success":false,"error":{"code":"NOT_FOUND","message":"meeting m1 not found"}}`, apperrors.ErrNotFound, "NOT_FOUND", "meeting m1 not found"},
		{"conflict", http.StatusConflict, `{"success":false,"error":{"code":"RUN_IN_FLIGHT","message":"busy"}}`, apperrors.ErrRunInFlight, "RUN_IN_FLIGHT", "busy"},
		{"plain 502", http.StatusBadGateway, "upstream down", apperrors.ErrConnection, apperrors.CodeHTTP, "upstream down"},
		{"empty 400", http.StatusBadRequest, "", apperrors.ErrInvalidInput, apperrors.CodeHTTP, "Bad Request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).FetchStatus(context.Background(), "m1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "err=%v", err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestSuccessFalseWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"error":{"code":"X","message":"nope"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchStatus(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProtocol))
	assert.Contains(t, err.Error(), "nope")
}

func TestOpenStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/meetings/m1/stream" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, WithTimeout(time.Second))
	body, err := c.OpenStream(context.Background(), "m1")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "data: {}\n\n", string(data))

	_, err = c.OpenStream(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnection))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
