// Package credentials renders a secrets template into the credentials used
// for Redis, S3 and IPFS Cluster.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template source and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds the secrets the gateway needs to reach its backing
// services. Every section is optional.
type Credentials struct {
	StatsToken string              `json:"stats_token,omitempty"`
	Redis      *RedisCredentials   `json:"redis,omitempty"`
	S3         *S3Credentials      `json:"s3,omitempty"`
	Cluster    *ClusterCredentials `json:"cluster,omitempty"`
}

// RedisCredentials authenticate against the lookup cache.
type RedisCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// S3Credentials are static keys for the overflow bucket. When absent the
// default AWS credential chain applies.
type S3Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// ClusterCredentials are basic auth for the IPFS Cluster REST API.
type ClusterCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate reports incomplete sections.
func (c *Credentials) Validate() error {
	if c.S3 != nil && (c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3 credentials need both access_key_id and secret_access_key")
	}
	if c.Cluster != nil && c.Cluster.Username == "" {
		return fmt.Errorf("cluster credentials need a username")
	}
	return nil
}

// SecretProvider looks up a single secret by reference.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as a function called name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: map[string]SecretProvider{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile resolves the template stored at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r.logger.Debug("resolving credentials template", "path", path)
	return r.ResolveReader(ctx, f)
}

// ResolveReader renders the template read from src and validates the
// credentials it produces.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(text) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(text))
	if err != nil {
		return nil, err
	}

	creds := new(Credentials)
	if err := json.Unmarshal(rendered, creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	funcs := template.FuncMap{
		"env":        lookupEnv,
		"envDefault": envDefault,
		"file":       readTrimmed,
		"json":       quoteJSON,
	}
	// One lookup per distinct reference for the whole render.
	seen := map[string]string{}
	for name, p := range r.providers {
		funcs[name] = r.secretFunc(ctx, name, p, seen)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcs).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return out.Bytes(), nil
}

func (r *Resolver) secretFunc(ctx context.Context, name string, p SecretProvider, seen map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + "\x00" + ref
		if v, ok := seen[key]; ok {
			return v, nil
		}
		v, err := p(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		r.logger.Debug("resolved secret", "provider", name, "ref", ref)
		seen[key] = v
		return v, nil
	}
}

func lookupEnv(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %q is not set", key)
}

func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// quoteJSON renders v as a JSON string literal, quotes included.
func quoteJSON(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
