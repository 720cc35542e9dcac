package kcache

import (
	"bytes"
	"testing"
)

func TestGetPutInvalidate(t *testing.T) {
	c := New(2)

	if _, ok := c.Get(1); ok {
		t.Fatal("expected empty cache to miss")
	}

	c.Put(1, []byte("block-one"))
	v, ok := c.Get(1)
	if !ok || !bytes.Equal(v, []byte("block-one")) {
		t.Fatalf("got %q, ok %v", v, ok)
	}

	c.Invalidate(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(1, []byte("a"))
	c.Put(2, []byte("b"))
	c.Get(1) // touch 1 so 2 becomes the LRU entry
	c.Put(3, []byte("c"))

	if _, ok := c.Get(2); ok {
		t.Error("expected block 2 to have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("expected block 1 to survive (recently used)")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("expected newly inserted block 3 to be present")
	}
}
