package lookup

import (
	"context"
	"time"
)

// Nop is a Cache that holds nothing. Every Get misses.
type Nop struct{}

// Get always returns ErrMiss.
func (Nop) Get(context.Context, string) (*Entry, error) { return nil, ErrMiss }

// Set discards the entry.
func (Nop) Set(context.Context, string, *Entry, time.Duration) error { return nil }

var _ Cache = Nop{}
