package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPublicKeyFallsBackToGet(t *testing.T) {
	var methods []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backend-api/v2/public-key" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		methods = append(methods, r.Method)
		if r.Method == http.MethodPost {
			http.Error(w, "nope", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":       map[string]string{"n": "1"},
			"public_key": "-----BEGIN PUBLIC KEY-----\nx\n-----END PUBLIC KEY-----",
			"user":       "u-1",
		})
	}))
	defer ts.Close()

	c := New(ts.URL, 5*time.Second)
	hs, err := c.PublicKey(context.Background(), "test-agent")
	if err != nil {
		t.Fatalf("PublicKey returned error: %v", err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodGet {
		t.Fatalf("expected POST then GET fallback, got %v", methods)
	}
	if hs.User != "u-1" {
		t.Fatalf("unexpected user: %q", hs.User)
	}
}

func TestPublicKeyDefaultsMissingUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":       []int{1, 2},
			"public_key": "pem",
		})
	}))
	defer ts.Close()

	hs, err := New(ts.URL, 5*time.Second).PublicKey(context.Background(), "ua")
	if err != nil {
		t.Fatalf("PublicKey returned error: %v", err)
	}
	if hs.User != "error" {
		t.Fatalf("expected missing user to default to %q, got %q", "error", hs.User)
	}
}

func TestPublicKeyRejectsMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"unexpected": true})
	}))
	defer ts.Close()

	if _, err := New(ts.URL, 5*time.Second).PublicKey(context.Background(), "ua"); err == nil {
		t.Fatal("expected error for handshake response without key material")
	}
}

func TestModelsSendsCredentialHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Azure/models" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cred-1" {
			t.Fatalf("unexpected authorization: %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "agent-1" {
			t.Fatalf("unexpected user-agent: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "gpt-x", "vision": true},
				{"id": "flux", "image": true},
			},
		})
	}))
	defer ts.Close()

	models, err := New(ts.URL, 5*time.Second).Models(context.Background(), "cred-1", "agent-1")
	if err != nil {
		t.Fatalf("Models returned error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if !models[0].Vision || models[0].Image || models[0].Audio {
		t.Fatalf("capability flags not normalized: %+v", models[0])
	}
}

func TestChatCompletionsSurfacesUpstreamStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := New(ts.URL, 5*time.Second).ChatCompletions(context.Background(), "k", "ua", []byte(`{}`))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", se.StatusCode)
	}
	if se.Body == "" {
		t.Fatal("expected original body to be attached")
	}
}

func TestStreamChatCompletionsReturnsLiveBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n"))
	}))
	defer ts.Close()

	resp, err := New(ts.URL, 5*time.Second).StreamChatCompletions(context.Background(), "k", "ua", []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("StreamChatCompletions returned error: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 1024)
	n, _ := resp.Body.Read(buf)
	if n == 0 {
		t.Fatal("expected stream bytes")
	}
}
