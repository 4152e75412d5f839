package testutil

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Gzip compresses s the way the dataset mirror serves its files.
func Gzip(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("Failed to gzip test data: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to gzip test data: %v", err)
	}
	return buf.Bytes()
}

// NewDatasetServer serves files by name at the server root and 404s
// anything else. It is closed automatically when the test completes.
func NewDatasetServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}
