package txcache

import (
	"errors"
	"testing"
)

const sampleTxid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	const raw = "0100000001abcd"
	if err := c.Put(sampleTxid, raw); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := c.Get(sampleTxid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != raw {
		t.Fatalf("Get() = %q, want %q", got, raw)
	}

	if !c.Has(sampleTxid) {
		t.Fatalf("Has() = false, want true")
	}
}

func TestGetNotCached(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = c.Get(sampleTxid)
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("Get() error = %v, want ErrNotCached", err)
	}
	if c.Has(sampleTxid) {
		t.Fatalf("Has() = true, want false")
	}
}

func TestPutOverwrites(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := c.Put(sampleTxid, "first"); err != nil {
		t.Fatalf("Put(first) error: %v", err)
	}
	if err := c.Put(sampleTxid, "second"); err != nil {
		t.Fatalf("Put(second) error: %v", err)
	}
	got, err := c.Get(sampleTxid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "second" {
		t.Fatalf("Get() = %q, want %q", got, "second")
	}
}

func TestRejectsMalformedTxid(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for _, bad := range []string{"", "not-hex", "deadbeef", sampleTxid[:63], "../../etc/passwd"} {
		if err := c.Put(bad, "x"); err == nil {
			t.Fatalf("Put(%q) succeeded, want error", bad)
		}
		if _, err := c.Get(bad); err == nil {
			t.Fatalf("Get(%q) succeeded, want error", bad)
		}
	}
}
