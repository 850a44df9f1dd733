package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport records upstream fetch metrics for requests to the
// public gateway and the cluster API.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport wraps base for an outbound target such as
// "gateway" or "cluster". A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(req.Context(), t.target, time.Since(start), 0, errorOutcome(req.Context()))
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		target:     t.target,
		start:      start,
		outcome:    statusOutcome(resp.StatusCode),
	}
	return resp, nil
}

// statusOutcome separates the statuses the gateway treats specially
// (absent blocks, throttling) from other client and server errors.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return "not_found"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

func errorOutcome(ctx context.Context) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "canceled"
	default:
		return "error"
	}
}

// instrumentedBody records the fetch once, on the first Close, so the byte
// count covers the whole stream.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	target   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.target, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
