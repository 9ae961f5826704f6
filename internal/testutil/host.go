package testutil

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
)

// Browser talks to a test server the way a page does: cookies persist across
// requests and redirects are not followed automatically.
type Browser struct {
	t      *testing.T
	Server *httptest.Server
	Client *http.Client
}

func StartBrowser(t *testing.T, handler http.Handler) *Browser {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Browser{t: t, Server: server, Client: client}
}

// Get fetches path and returns the response with its body read.
func (b *Browser) Get(path string, header http.Header) (*http.Response, string) {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.Server.URL+path, nil)
	if err != nil {
		b.t.Fatalf("new request: %v", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		b.t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.t.Fatalf("read %s: %v", path, err)
	}
	return resp, string(body)
}

// Ajax issues a request carrying the debug bar ajax header.
func (b *Browser) Ajax(path string, ajaxID string) (*http.Response, string) {
	b.t.Helper()
	return b.Get(path, http.Header{"X-Debugbar-Ajax": []string{ajaxID}})
}

func Contains(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
