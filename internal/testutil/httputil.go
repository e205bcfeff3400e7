package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// Get serves a GET for path through h and returns the recorded response.
func Get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
