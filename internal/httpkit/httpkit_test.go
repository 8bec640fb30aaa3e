package httpkit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"disabled", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "weatherbridge/") {
		t.Errorf("User-Agent = %q, want weatherbridge/ prefix", got)
	}
}

func TestNewClient_CustomUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "TestBot/1.0" {
		t.Errorf("User-Agent = %q, want TestBot/1.0", got)
	}
}

func TestNewClient_PreservesRequestUserAgent(t *testing.T) {
	srv := echoUserAgent(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Explicit/2.0")

	if got := get(t, NewClient(), req); got != "Explicit/2.0" {
		t.Errorf("User-Agent = %q, want Explicit/2.0", got)
	}
}

type stubRoundTripper struct {
	calls int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.calls++
	return nil, errors.New("stub transport")
}

func TestNewClient_WithTransport(t *testing.T) {
	rt := &stubRoundTripper{}
	c := NewClient(WithTransport(rt))

	if _, err := c.Get("http://example.invalid/"); err == nil {
		t.Fatal("expected error from stub transport")
	}
	if rt.calls != 1 {
		t.Errorf("stub transport calls = %d, want 1", rt.calls)
	}
}

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10) // must not panic

	rc := &trackingCloser{Reader: strings.NewReader("leftover body")}
	DrainAndClose(rc, 1024)
	if !rc.closed {
		t.Error("body was not closed")
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}

	rc := &trackingCloser{Reader: strings.NewReader("service unavailable, try later")}
	got := ReadErrorBody(rc, 11)
	if got != "service una" {
		t.Errorf("ReadErrorBody = %q, want %q", got, "service una")
	}
	if !rc.closed {
		t.Error("body was not closed")
	}
}
