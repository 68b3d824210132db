package testutil

import (
	"io"
	"net/http"
	"sync/atomic"
)

// CountingTransport records how many response bodies it handed out and how
// many of them were closed.
type CountingTransport struct {
	Base http.RoundTripper

	opened atomic.Int32
	closed atomic.Int32
}

// NewCountingClient returns an HTTP client whose bodies are counted by the
// returned transport. The client has its own connection pool.
func NewCountingClient() (*http.Client, *CountingTransport) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	ct := &CountingTransport{Base: base}
	return &http.Client{Transport: ct}, ct
}

// RoundTrip implements http.RoundTripper.
func (t *CountingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.opened.Add(1)
	resp.Body = &countingBody{ReadCloser: resp.Body, closed: &t.closed}
	return resp, nil
}

// CloseIdleConnections forwards to the base transport so http.Client can
// release pooled connections.
func (t *CountingTransport) CloseIdleConnections() {
	if ci, ok := t.Base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// Opened returns the number of response bodies handed out.
func (t *CountingTransport) Opened() int { return int(t.opened.Load()) }

// Closed returns the number of response bodies closed at least once.
func (t *CountingTransport) Closed() int { return int(t.closed.Load()) }

type countingBody struct {
	io.ReadCloser
	closed *atomic.Int32
	done   atomic.Bool
}

func (b *countingBody) Close() error {
	if b.done.CompareAndSwap(false, true) {
		b.closed.Add(1)
	}
	return b.ReadCloser.Close()
}
