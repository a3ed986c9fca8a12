// Package httpkit builds the outbound HTTP clients for Home Assistant
// and the model providers. Every client sends the llmha User-Agent,
// optionally a bearer token, and retries requests that never reached
// the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/buildinfo"
)

// Options configures a client built by NewClient. The zero value is a
// 30 second client with no retries and no credential.
type Options struct {
	// Timeout bounds the whole exchange. Negative disables it so the
	// request context alone decides.
	Timeout time.Duration

	// HeaderTimeout bounds the wait for response headers. Zero uses 15s.
	HeaderTimeout time.Duration

	// Token is sent as "Authorization: Bearer <token>" unless the
	// request already carries an Authorization header.
	Token string

	// Retries is how many extra attempts a connect failure gets. Each
	// wait doubles, starting at Backoff.
	Retries int
	Backoff time.Duration

	Logger *slog.Logger
}

const (
	defaultTimeout       = 30 * time.Second
	defaultHeaderTimeout = 15 * time.Second
	defaultBackoff       = time.Second
)

// NewClient returns an *http.Client configured by o.
func NewClient(o Options) *http.Client {
	timeout := o.Timeout
	switch {
	case timeout == 0:
		timeout = defaultTimeout
	case timeout < 0:
		timeout = 0
	}
	if o.HeaderTimeout == 0 {
		o.HeaderTimeout = defaultHeaderTimeout
	}
	if o.Backoff == 0 {
		o.Backoff = defaultBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.HeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   8,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &transport{
			base:    base,
			ua:      buildinfo.UserAgent(),
			token:   o.Token,
			retries: o.Retries,
			backoff: o.Backoff,
			logger:  o.Logger,
		},
	}
}

// transport decorates outbound requests and retries connect failures.
type transport struct {
	base    http.RoundTripper
	ua      string
	token   string
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.decorate(req)

	resp, err := t.base.RoundTrip(req)
	wait := t.backoff
	for attempt := 1; attempt <= t.retries && err != nil && connectFailed(err); attempt++ {
		if !rewindable(req) {
			break
		}
		t.logger.Debug("connect failed, retrying",
			"host", req.URL.Host,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
		wait *= 2

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			if retry.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// decorate returns a copy of req with the User-Agent and credential set.
// The caller's request is never modified.
func (t *transport) decorate(req *http.Request) *http.Request {
	needUA := req.Header.Get("User-Agent") == ""
	needAuth := t.token != "" && req.Header.Get("Authorization") == ""
	if !needUA && !needAuth {
		return req
	}
	req = req.Clone(req.Context())
	if needUA {
		req.Header.Set("User-Agent", t.ua)
	}
	if needAuth {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// connectFailed reports whether err happened before the request reached
// the server, so repeating it cannot apply an action twice. A reset
// connection does not qualify.
func connectFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// StatusError is a non-2xx response. Body holds the start of the
// response body for diagnostics.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// CheckStatus returns nil for a 2xx response. Otherwise it consumes and
// closes the body and returns a *StatusError.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	DrainAndClose(resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

const maxErrorBody = 1024

// DrainAndClose discards a bounded remainder of rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	_ = rc.Close()
}
