// Package opprovider resolves credential template secrets with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kalio007/ipfs-pinning-infra/credentials"
)

type config struct {
	binary  string
	account string
}

// Option configures the 1Password provider.
type Option func(*config)

// WithBinary overrides the path of the op executable.
func WithBinary(path string) Option {
	return func(c *config) {
		c.binary = path
	}
}

// WithAccount selects the 1Password account used for every read.
func WithAccount(account string) Option {
	return func(c *config) {
		c.account = account
	}
}

// WithOnePassword registers an "op" template function that resolves
// secret references such as op://vault/redis/password with `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op"}
	for _, opt := range opts {
		opt(&cfg)
	}

	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("invalid 1Password reference %q: want op://vault/item/field", ref)
		}

		args := []string{"read", "--no-newline"}
		if cfg.account != "" {
			args = append(args, "--account", cfg.account)
		}
		args = append(args, ref)

		cmd := exec.CommandContext(ctx, cfg.binary, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
