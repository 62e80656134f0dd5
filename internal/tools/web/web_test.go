package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jkaninda/stepguard/internal/tools"
)

func testTool(t *testing.T, srv *httptest.Server) *Tool {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	tool := NewTool(Config{AllowedDomains: []string{u.Hostname()}, MaxResponseBytes: 16}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// httptest listens on loopback, which the real check refuses.
	tool.checkHost = func(string) error { return nil }
	return tool
}

func fetch(tool *Tool, rawURL string) (*tools.Result, error) {
	return tool.Execute(context.Background(), map[string]any{"url": rawURL})
}

func TestFetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "stepguard/1.0" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	res, err := fetch(testTool(t, srv), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "hello" || res.Metadata["status_code"] != 200 || res.Metadata["truncated"] != false {
		t.Errorf("result = %+v", res)
	}
}

func TestFetch_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	res, err := fetch(testTool(t, srv), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Output) != 16 || res.Metadata["truncated"] != true {
		t.Errorf("result = %+v", res)
	}
}

func TestFetch_StatusClassification(t *testing.T) {
	cases := map[int]bool{
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, transient := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := fetch(testTool(t, srv), srv.URL)
		srv.Close()
		if err == nil {
			t.Errorf("%d: expected an error", code)
			continue
		}
		if tools.IsTransient(err) != transient {
			t.Errorf("%d: transient = %v, want %v", code, tools.IsTransient(err), transient)
		}
	}
}

func TestFetch_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tool := testTool(t, srv)
	addr := srv.URL
	srv.Close()

	if _, err := fetch(tool, addr); !tools.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestFetch_Refusals(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	tool := testTool(t, srv)

	for name, params := range map[string]map[string]any{
		"scheme":  {"url": "file:///etc/passwd"},
		"domain":  {"url": "https://example.org/"},
		"method":  {"url": srv.URL, "method": "POST"},
		"garbage": {"url": "http://%zz"},
	} {
		_, err := tool.Execute(context.Background(), params)
		if err == nil || tools.IsTransient(err) {
			t.Errorf("%s: expected permanent error, got %v", name, err)
		}
	}
}

func TestFetch_SSRFGuard(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	tool := testTool(t, srv)
	tool.checkHost = CheckSSRF

	_, err := fetch(tool, srv.URL)
	if err == nil || !strings.Contains(err.Error(), "SSRF blocked") {
		t.Errorf("expected SSRF refusal, got %v", err)
	}
}

func TestFetch_RedirectToDisallowedDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.invalid/", http.StatusFound)
	}))
	defer srv.Close()

	_, err := fetch(testTool(t, srv), srv.URL)
	if err == nil || tools.IsTransient(err) || !strings.Contains(err.Error(), "disallowed domain") {
		t.Errorf("expected permanent redirect refusal, got %v", err)
	}
}

func TestDescriptor(t *testing.T) {
	d := NewTool(Config{}, slog.Default()).Descriptor()
	if d.Name != "http_fetch" || d.Category != "network" || d.Timeout.Seconds() != defaultTimeoutSeconds {
		t.Errorf("descriptor = %+v", d)
	}
	if err := d.Validate(map[string]any{"url": "https://example.com", "method": "DELETE"}); err == nil {
		t.Error("expected enum violation")
	}
}

func TestIsPrivateIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.20.0.1":      true,
		"192.168.1.1":     true,
		"169.254.169.254": true,
		"100.64.0.1":      true,
		"0.0.0.0":         true,
		"::1":             true,
		"fd00::1":         true,
		"8.8.8.8":         false,
		"2606:4700::1":    false,
	}
	for raw, want := range cases {
		if got := IsPrivateIP(net.ParseIP(raw)); got != want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", raw, got, want)
		}
	}
}

func TestIsDomainAllowed(t *testing.T) {
	allowed := []string{"Example.com", "*.internal.example.net"}
	cases := map[string]bool{
		"example.com":              true,
		"EXAMPLE.COM":              true,
		"api.example.com":          false,
		"a.internal.example.net":   true,
		"internal.example.net":     false,
		"evilinternal.example.net": false,
	}
	for host, want := range cases {
		if got := IsDomainAllowed(host, allowed); got != want {
			t.Errorf("IsDomainAllowed(%s) = %v, want %v", host, got, want)
		}
	}
	if IsDomainAllowed("example.com", nil) {
		t.Error("empty allowlist must deny")
	}
}
