package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// Gateway fetches raw blocks from an IPFS HTTP gateway.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient sets the HTTP client used for gateway requests.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) {
		g.client = c
	}
}

// NewGateway creates a gateway client for baseURL (e.g. "http://127.0.0.1:8080").
// Requests go through the instrumented transport unless WithHTTPClient is set.
func NewGateway(baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "gateway")},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch returns the raw block for c.
// A 404 or 410 maps to ErrNotAvailable; transport failures and 5xx map to
// ErrUnavailable.
func (g *Gateway) Fetch(ctx context.Context, c cid.Cid) (io.ReadCloser, int64, error) {
	url := g.baseURL + "/ipfs/" + c.String() + "?format=raw"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.ipld.raw")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: gateway request: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, 0, ErrNotAvailable
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: gateway returned %s", ErrUnavailable, resp.Status)
	default:
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("gateway returned %s", resp.Status)
	}
}
