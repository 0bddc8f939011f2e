// Package ledger records relay sessions for operators running several rdnat
// instances. Nothing is read back: the process never restores state from it.
package ledger

import (
	"context"
	"time"
)

// Entry describes one relay session.
type Entry struct {
	ID      string
	Mode    string
	Left    string
	Right   string
	Started time.Time
}

// Totals are the byte counts of a finished session.
type Totals struct {
	LeftToRight int64
	RightToLeft int64
	Failed      bool
}

// Ledger is notified when a relay session starts and when it ends.
type Ledger interface {
	Open(ctx context.Context, e Entry) error
	Close(ctx context.Context, e Entry, t Totals) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Open(context.Context, Entry) error          { return nil }
func (Nop) Close(context.Context, Entry, Totals) error { return nil }

// New returns a Redis-backed ledger when addr is set, otherwise Nop.
func New(ctx context.Context, addr, password string, db int) (Ledger, error) {
	if addr == "" {
		return Nop{}, nil
	}
	r, err := NewRedis(ctx, addr, password, db)
	if err != nil {
		return nil, err
	}
	return r, nil
}
