package ledger

import (
	"context"
	"testing"
	"time"
)

func TestNewWithoutAddrIsNop(t *testing.T) {
	t.Parallel()

	l, err := New(context.Background(), "", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(Nop); !ok {
		t.Fatalf("got %T want Nop", l)
	}
	e := Entry{ID: "x", Mode: "forward", Started: time.Now()}
	if err := l.Open(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(context.Background(), e, Totals{LeftToRight: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := New(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	if got := sessionKey("abc"); got != "rdnat:session:abc" {
		t.Fatalf("sessionKey = %q", got)
	}
	if got := totalsKey("listen"); got != "rdnat:totals:listen" {
		t.Fatalf("totalsKey = %q", got)
	}
}
