// Package replicate asks an IPFS Cluster to pin stored content, off the
// request path.
package replicate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

const (
	// DefaultClusterURL is the cluster REST API address used when none is configured.
	DefaultClusterURL = "http://ipfs-cluster:9094"

	// DefaultTimeout is the HTTP client timeout for cluster requests.
	DefaultTimeout = 30 * time.Second
)

// Pinner requests that a CID be pinned somewhere durable.
type Pinner interface {
	Pin(ctx context.Context, c cid.Cid) error
}

// ClusterPinner pins through the IPFS Cluster REST API.
type ClusterPinner struct {
	baseURL        string
	username       string
	password       string
	replicationMin int
	replicationMax int
	client         *http.Client
}

// ClusterOption configures a ClusterPinner.
type ClusterOption func(*ClusterPinner)

// WithClusterURL sets the cluster REST API address.
func WithClusterURL(u string) ClusterOption {
	return func(p *ClusterPinner) {
		p.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithBasicAuth sets credentials for the cluster API.
func WithBasicAuth(username, password string) ClusterOption {
	return func(p *ClusterPinner) {
		p.username = username
		p.password = password
	}
}

// WithReplication sets the replication factor range sent with each pin.
// Zero values leave the cluster defaults in place.
func WithReplication(minFactor, maxFactor int) ClusterOption {
	return func(p *ClusterPinner) {
		p.replicationMin = minFactor
		p.replicationMax = maxFactor
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClusterOption {
	return func(p *ClusterPinner) {
		p.client = c
	}
}

// NewClusterPinner creates a cluster pin client.
func NewClusterPinner(opts ...ClusterOption) *ClusterPinner {
	p := &ClusterPinner{
		baseURL: DefaultClusterURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "cluster"),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pin posts {cluster}/pins/{cid}. Any non-2xx status is an error.
func (p *ClusterPinner) Pin(ctx context.Context, c cid.Cid) error {
	u := p.baseURL + "/pins/" + c.String()

	q := url.Values{}
	if p.replicationMin != 0 {
		q.Set("replication-min", strconv.Itoa(p.replicationMin))
	}
	if p.replicationMax != 0 {
		q.Set("replication-max", strconv.Itoa(p.replicationMax))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.username != "" || p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cluster returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Pinner = (*ClusterPinner)(nil)
