package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchJSONPrettyPrints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pools/alpha" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"PoolNotFound","message":"Pool not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"alpha","deviceCount":2}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := fetchJSON(context.Background(), srv.URL+"/api/pools/alpha", &out); err != nil {
		t.Fatalf("fetchJSON failed: %v", err)
	}
	if !strings.Contains(out.String(), "\"deviceCount\": 2") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	out.Reset()
	err := fetchJSON(context.Background(), srv.URL+"/api/pools/missing", &out)
	if err == nil || !strings.Contains(out.String(), "PoolNotFound") {
		t.Fatalf("expected error with body printed, got %v / %s", err, out.String())
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("firstNonEmpty() = %q", got)
	}
}

func TestServerBaseURL(t *testing.T) {
	prev := rootServerURL
	defer func() { rootServerURL = prev }()

	t.Setenv(envServerURL, "")
	rootServerURL = ""
	if got := serverBaseURL(); got != defaultServerURL {
		t.Fatalf("default base = %q", got)
	}

	t.Setenv(envServerURL, "pool.internal:8080/")
	if got := serverBaseURL(); got != "http://pool.internal:8080" {
		t.Fatalf("env base = %q", got)
	}

	rootServerURL = "https://edge.local"
	if got := serverBaseURL(); got != "https://edge.local" {
		t.Fatalf("flag base = %q", got)
	}
}
