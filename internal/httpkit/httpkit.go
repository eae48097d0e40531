// Package httpkit builds the outbound HTTP client for the tracker cloud
// API: one pooled transport, a User-Agent and bearer token on every
// request, and a short retry for connections that never reached the
// server.
//
// Anything past the dial surfaces to the caller. The coordinator turns
// it into a failed cycle and waits for the next scheduled one.
package httpkit

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/invoxia-ha/internal/buildinfo"
)

// Options configures [NewClient]. Zero fields take defaults.
type Options struct {
	// Timeout bounds a whole request including retries. Default 30s.
	Timeout time.Duration
	// UserAgent defaults to [buildinfo.UserAgent].
	UserAgent string
	// Token is sent as "Authorization: Bearer <token>".
	Token string

	// Retries is how many extra attempts a refused or unreachable dial
	// gets, RetryDelay apart.
	Retries    int
	RetryDelay time.Duration

	// Transport defaults to [NewTransport].
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewTransport returns a pooled transport sized for one host polled by
// every tracker coordinator.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from o.
func NewClient(o Options) *http.Client {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = buildinfo.UserAgent()
	}
	if o.Transport == nil {
		o.Transport = NewTransport()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &http.Client{
		Timeout:   o.Timeout,
		Transport: &roundTripper{opts: o},
	}
}

type roundTripper struct {
	opts Options
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// A RoundTripper must not modify the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", rt.opts.UserAgent)
	}
	if rt.opts.Token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+rt.opts.Token)
	}

	for attempt := 0; ; attempt++ {
		resp, err := rt.opts.Transport.RoundTrip(req)
		if err == nil || attempt >= rt.opts.Retries || !DialFailed(err) {
			return resp, err
		}
		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return resp, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, errors.Join(err, bodyErr)
			}
			req.Body = body
		}

		rt.opts.Logger.Debug("dial failed, retrying",
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"error", err,
		)
		timer := time.NewTimer(rt.opts.RetryDelay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// DialFailed reports whether err means the request never reached the
// server: refused, or no route to host or network. A reset connection
// does not count since the server may have seen the request.
func DialFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// ErrorBody returns up to limit bytes of an error response body, with
// surrounding whitespace trimmed.
func ErrorBody(r io.Reader, limit int64) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(string(b))
}

// Discard drains up to limit bytes of rc and closes it, so the
// connection can be reused.
func Discard(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}
