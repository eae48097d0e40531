package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

// refusingTransport refuses the first n dials, then answers 200 with
// the request body echoed back.
type refusingTransport struct {
	refuse int
	calls  int
	bodies []string
}

func (f *refusingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.refuse {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(Options{Timeout: 15 * time.Second}); c.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", c.Timeout)
	}
}

func TestNewClient_Headers(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		preset   map[string]string
		wantUA   string
		wantAuth string
	}{
		{
			name:     "defaults",
			opts:     Options{Token: "tok-123"},
			wantUA:   "invoxia-ha/",
			wantAuth: "Bearer tok-123",
		},
		{
			name:   "no token no auth header",
			opts:   Options{UserAgent: "probe/1"},
			wantUA: "probe/1",
		},
		{
			name:     "request headers win",
			opts:     Options{Token: "configured", UserAgent: "probe/1"},
			preset:   map[string]string{"Authorization": "Bearer explicit", "User-Agent": "caller/2"},
			wantUA:   "caller/2",
			wantAuth: "Bearer explicit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUA, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUA, gotAuth = r.Header.Get("User-Agent"), r.Header.Get("Authorization")
			}))
			defer srv.Close()

			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			for k, v := range tt.preset {
				req.Header.Set(k, v)
			}
			before := len(req.Header)

			resp, err := NewClient(tt.opts).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			if !strings.HasPrefix(gotUA, tt.wantUA) {
				t.Errorf("User-Agent = %q, want prefix %q", gotUA, tt.wantUA)
			}
			if gotAuth != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", gotAuth, tt.wantAuth)
			}
			if len(req.Header) != before {
				t.Errorf("caller's request headers changed: %v", req.Header)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		refuse    int
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{name: "first try", refuse: 0, retries: 2, wantCalls: 1},
		{name: "recovers", refuse: 2, retries: 2, wantCalls: 3},
		{name: "gives up", refuse: 5, retries: 2, wantErr: true, wantCalls: 3},
		{name: "retry disabled", refuse: 1, retries: 0, wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &refusingTransport{refuse: tt.refuse}
			c := NewClient(Options{Transport: ft, Retries: tt.retries, RetryDelay: time.Millisecond})

			resp, err := c.Get("http://tracker.invalid/api/v1/devices/")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetry_RewindsBody(t *testing.T) {
	ft := &refusingTransport{refuse: 1}
	c := NewClient(Options{Transport: ft, Retries: 1, RetryDelay: time.Millisecond})

	resp, err := c.Post("http://tracker.invalid/", "application/json", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(ft.bodies) != 2 || ft.bodies[0] != `{"a":1}` || ft.bodies[1] != `{"a":1}` {
		t.Errorf("bodies = %q, want the payload twice", ft.bodies)
	}
}

func TestRetry_UnrewindableBody(t *testing.T) {
	ft := &refusingTransport{refuse: 1}
	c := NewClient(Options{Transport: ft, Retries: 2, RetryDelay: time.Millisecond})

	req, _ := http.NewRequest(http.MethodPost, "http://tracker.invalid/", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := c.Do(req); err == nil {
		t.Fatal("expected the refused dial to surface")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetry_ContextCancel(t *testing.T) {
	ft := &refusingTransport{refuse: 10}
	c := NewClient(Options{Transport: ft, Retries: 5, RetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://tracker.invalid/", nil)

	_, err := c.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestDialFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("tls: bad certificate"), false},
		{"refused", syscall.ECONNREFUSED, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"network unreachable", syscall.ENETUNREACH, true},
		{"reset", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("get devices: %w", syscall.EHOSTUNREACH), true},
		{"nested OpError", &net.OpError{Op: "dial", Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DialFailed(tt.err); got != tt.want {
				t.Errorf("DialFailed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		r     io.Reader
		limit int64
		want  string
	}{
		{"nil", nil, 10, ""},
		{"whole", strings.NewReader("tracker not found\n"), 512, "tracker not found"},
		{"truncated", strings.NewReader("abcdefghij"), 4, "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorBody(tt.r, tt.limit); got != tt.want {
				t.Errorf("ErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDiscard(t *testing.T) {
	Discard(nil, 10)

	r := strings.NewReader(strings.Repeat("x", 100))
	rc := &closeTracker{Reader: r}
	Discard(rc, 40)
	if !rc.closed {
		t.Error("body not closed")
	}
	if r.Len() != 60 {
		t.Errorf("remaining = %d, want 60 unread past the limit", r.Len())
	}
}
