package index

import (
	"testing"

	"github.com/google/uuid"
)

func uuidFrom(b byte) uuid.UUID {
	var u uuid.UUID
	u[0] = b
	return u
}

// TestAddFindDelete mirrors spec §8 seed scenario 3.
func TestAddFindDelete(t *testing.T) {
	idx := New(4)

	u1, u2 := uuidFrom(0x11), uuidFrom(0x22)

	b1, err := idx.Add(u1)
	if err != nil {
		t.Fatalf("add u1: %v", err)
	}
	b2, err := idx.Add(u2)
	if err != nil {
		t.Fatalf("add u2: %v", err)
	}

	got, err := idx.Find(u2)
	if err != nil {
		t.Fatalf("find u2: %v", err)
	}
	if got != b2 {
		t.Errorf("find u2: got block %d want %d", got, b2)
	}

	if _, err := idx.Delete(u1); err != nil {
		t.Fatalf("delete u1: %v", err)
	}

	if _, err := idx.Find(u1); err == nil {
		t.Error("expected find u1 to fail after delete")
	}

	got, err = idx.Find(u2)
	if err != nil || got != b2 {
		t.Errorf("find u2 after delete u1: got %d, err %v; want %d, nil", got, err, b2)
	}
	_ = b1
}

func TestAddRejectsDuplicateName(t *testing.T) {
	idx := New(4)
	u := uuidFrom(0x01)
	if _, err := idx.Add(u); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := idx.Add(u); err == nil {
		t.Error("expected second add of same name to fail with key-name-in-use")
	}
}

func TestAddRejectsFullIndex(t *testing.T) {
	idx := New(2)
	if _, err := idx.Add(uuidFrom(1)); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if _, err := idx.Add(uuidFrom(2)); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if _, err := idx.Add(uuidFrom(3)); err == nil {
		t.Error("expected add to a full index to fail")
	}
}

func TestLivePrefixStaysSorted(t *testing.T) {
	idx := New(8)
	names := []byte{0x50, 0x10, 0x90, 0x30, 0x70}
	for _, n := range names {
		if _, err := idx.Add(uuidFrom(n)); err != nil {
			t.Fatalf("add %x: %v", n, err)
		}
	}
	if err := idx.Fsck(); err != nil {
		t.Fatalf("fsck: %v", err)
	}
	for i := 1; i < idx.Used; i++ {
		a := idx.Names[idx.Blocks[i-1]]
		b := idx.Names[idx.Blocks[i]]
		if cmpUUID(a, b) >= 0 {
			t.Fatalf("live prefix not ascending at %d: %v >= %v", i, a, b)
		}
	}
}

func TestReplaceKeepsNameLive(t *testing.T) {
	idx := New(4)
	u := uuidFrom(0xAA)
	oldBlock, err := idx.Add(u)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	newBlock, err := idx.Replace(u)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if newBlock == oldBlock {
		t.Error("expected replace to allocate a different block number")
	}

	got, err := idx.Find(u)
	if err != nil {
		t.Fatalf("find after replace: %v", err)
	}
	if got != newBlock {
		t.Errorf("find after replace: got %d want %d", got, newBlock)
	}
}

func TestDeleteUnknownNameFails(t *testing.T) {
	idx := New(4)
	if _, err := idx.Delete(uuidFrom(0xFF)); err == nil {
		t.Error("expected delete of unknown name to fail")
	}
}
