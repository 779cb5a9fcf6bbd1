package main

import (
	"strings"

	"github.com/httprunner/ComputePool/internal/config"
)

const (
	envServerURL     = "POOL_SERVER_URL"
	defaultServerURL = "http://127.0.0.1:3001"
)

// serverBaseURL resolves the REST base url: --server, then POOL_SERVER_URL.
func serverBaseURL() string {
	base := firstNonEmpty(rootServerURL, config.String(envServerURL, ""), defaultServerURL)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if v := strings.TrimSpace(val); v != "" {
			return v
		}
	}
	return ""
}
