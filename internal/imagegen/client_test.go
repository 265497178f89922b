package imagegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pixelforge/internal/apperr"
	"pixelforge/pkg/clients"
)

func fastPolicy() clients.PolicyConfig {
	return clients.PolicyConfig{
		Name:             "imagegen-test",
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         time.Millisecond,
		FailureThreshold: 50,
		FailureWindow:    50,
		OpenDelay:        time.Second,
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("Authorization = %q", got)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt != "a red fox" {
			t.Errorf("request = %+v, %v", req, err)
		}
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img.example/fox.png"}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, APIKey: "key-1", Policy: fastPolicy()})
	url, err := c.Generate(context.Background(), "a red fox")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if url != "https://img.example/fox.png" {
		t.Fatalf("url = %q", url)
	}
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"image_url":"https://img.example/1.png"}`))
	}))
	defer srv.Close()

	url, err := New(Config{APIURL: srv.URL, Policy: fastPolicy()}).Generate(context.Background(), "x")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if url != "https://img.example/1.png" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("url = %q after %d calls", url, calls)
	}
}

func TestGenerate_ClientErrorIsUpstream(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "content policy", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Config{APIURL: srv.URL, Policy: fastPolicy()}).Generate(context.Background(), "x")
	if apperr.KindOf(err) != apperr.Upstream {
		t.Fatalf("err = %v, want upstream", err)
	}
	if !strings.Contains(err.Error(), "content policy") {
		t.Fatalf("err = %v, want upstream body", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, 4xx must not be retried", calls)
	}
}

func TestGenerate_NotConfigured(t *testing.T) {
	_, err := New(Config{}).Generate(context.Background(), "x")
	if apperr.KindOf(err) != apperr.Config {
		t.Fatalf("err = %v, want config", err)
	}
}

func TestValidatePrompt(t *testing.T) {
	if _, err := ValidatePrompt("   "); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("blank prompt err = %v", err)
	}
	if _, err := ValidatePrompt(strings.Repeat("a", maxPromptLength+1)); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("long prompt err = %v", err)
	}
	if p, err := ValidatePrompt("  fox "); err != nil || p != "fox" {
		t.Fatalf("ValidatePrompt = %q, %v", p, err)
	}
}
