package kube

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// connTimeoutDialer bounds connection establishment separately from the
// overall request timeout.
type connTimeoutDialer struct {
	timeout time.Duration
}

func (d *connTimeoutDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, network, address)
}

// tokenReloader reads a bearer token from a file, caching it between reads.
// Re-reads are debounced to at most one per interval so that a burst of 401s
// does not turn into an I/O storm.
type tokenReloader struct {
	path     string
	interval time.Duration

	mu       sync.Mutex
	token    string
	loadedAt time.Time
}

func newTokenReloader(path string, interval time.Duration) *tokenReloader {
	return &tokenReloader{path: path, interval: interval}
}

// current returns the cached token, reloading it when stale.
func (r *tokenReloader) current() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" && time.Since(r.loadedAt) < r.interval {
		return r.token, nil
	}
	return r.reloadLocked()
}

// reload forces a re-read, still debounced against concurrent 401 storms.
func (r *tokenReloader) reload() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.loadedAt) < time.Second {
		return r.token, nil
	}
	return r.reloadLocked()
}

func (r *tokenReloader) reloadLocked() (string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if r.token != "" {
			klog.Errorf("Failed to reload kube token from %s: %v", r.path, err)
			return r.token, nil
		}
		return "", fmt.Errorf("failed to read kube token from %s: %w", r.path, err)
	}
	r.token = strings.TrimSpace(string(data))
	r.loadedAt = time.Now()
	klog.V(4).Infof("Loaded kube token from %s (%d bytes)", r.path, len(r.token))
	return r.token, nil
}

// tokenTransport injects the bearer token into every request. On 401 it
// reloads the token from disk and retries the request exactly once.
type tokenTransport struct {
	base     http.RoundTripper
	reloader *tokenReloader
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.reloader.current()
	if err != nil {
		return nil, err
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(authed)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		// Cannot safely replay the body; surface the 401 as-is.
		return resp, nil
	}

	klog.V(4).Info("Kube API returned 401, reloading token and retrying once")
	fresh, reloadErr := t.reloader.reload()
	if reloadErr != nil {
		return resp, nil
	}
	resp.Body.Close()

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+fresh)
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, bodyErr
		}
		retry.Body = body
	}
	return t.base.RoundTrip(retry)
}
