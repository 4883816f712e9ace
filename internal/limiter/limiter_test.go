package limiter

import (
	"errors"
	"testing"

	"github.com/and161185/netsketch/internal/errs"
)

var _ Limiter = (*Conn)(nil)

func TestConn_GlobalCap(t *testing.T) {
	l := NewConn(2, 0)

	if err := l.Acquire("10.0.0.1:1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire("10.0.0.2:1"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Acquire("10.0.0.3:1"); !errors.Is(err, errs.ErrServerFull) {
		t.Fatalf("want ErrServerFull, got %v", err)
	}

	l.Release("10.0.0.1:1")
	if err := l.Acquire("10.0.0.3:1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if l.Active() != 2 {
		t.Fatalf("active want 2, got %d", l.Active())
	}
}

func TestConn_PerHostCap(t *testing.T) {
	l := NewConn(0, 1)

	if err := l.Acquire("10.0.0.1:1000"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire("10.0.0.1:1001"); !errors.Is(err, errs.ErrServerFull) {
		t.Fatalf("same host must be refused, got %v", err)
	}
	if err := l.Acquire("10.0.0.2:1000"); err != nil {
		t.Fatalf("other host must pass: %v", err)
	}
}

func TestConn_ReleaseUnknownIgnored(t *testing.T) {
	l := NewConn(1, 0)
	l.Release("nobody:1")
	if l.Active() != 0 {
		t.Fatalf("active must stay 0, got %d", l.Active())
	}
	if err := l.Acquire("a:1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestHashAddr_Determinism(t *testing.T) {
	a := HashAddr("1.2.3.4:123")
	b := HashAddr("1.2.3.4:456")
	c := HashAddr("5.6.7.8:123")
	if a != b || a == c || len(a) != 16 {
		t.Fatalf("hash mismatch/len: %q %q %q", a, b, c)
	}
}
