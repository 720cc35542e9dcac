package keystore

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/keystore/pin"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
)

func init() {
	badPINDelay = time.Millisecond
}

func uuidFrom(b byte) uuid.UUID {
	var u uuid.UUID
	u[0] = b
	return u
}

// TestAddFindDeleteKey mirrors spec §8 seed scenario 3 through the
// full Store, not just the index subpackage.
func TestAddFindDeleteKey(t *testing.T) {
	s, err := Open(voldriver.New(8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	name := uuidFrom(0x11)
	der := []byte("wrapped-der-bytes")
	blockno, err := s.AddKey(name, KeyTypeECPrivate, CurveP256, FlagUsageDigitalSignature, der, nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	view, gotBlock, err := s.FindKey(name)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if gotBlock != blockno {
		t.Errorf("find: got block %d want %d", gotBlock, blockno)
	}
	if !bytes.Equal(view.WrappedDER, der) {
		t.Errorf("find: got der %q want %q", view.WrappedDER, der)
	}

	if err := s.DeleteKey(name); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.FindKey(name); err == nil {
		t.Error("expected find after delete to fail")
	}
}

// TestUpdateKeyRoundTrip confirms the tombstone sequence leaves the
// old block zeroed and the new content live under the same name.
func TestUpdateKeyRoundTrip(t *testing.T) {
	driver := voldriver.New(8)
	s, err := Open(driver)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	name := uuidFrom(0x22)
	b1, err := s.AddKey(name, KeyTypeRSAPrivate, CurveNone, 0, []byte("der-v1"), nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	b2, err := s.UpdateKey(name, KeyTypeRSAPrivate, CurveNone, 0, []byte("der-v2"), nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if b2 == b1 {
		t.Error("expected update to allocate a different block number")
	}

	view, gotBlock, err := s.FindKey(name)
	if err != nil {
		t.Fatalf("find after update: %v", err)
	}
	if gotBlock != b2 || !bytes.Equal(view.WrappedDER, []byte("der-v2")) {
		t.Errorf("find after update: got block %d der %q", gotBlock, view.WrappedDER)
	}

	oldBuf, err := driver.Read(b1)
	if err != nil {
		t.Fatalf("read old block: %v", err)
	}
	h, err := verifyAndParse(oldBuf)
	if err != nil {
		t.Fatalf("parse old block: %v", err)
	}
	if h.Type != BlockZeroed {
		t.Errorf("expected old block zeroed, got type %v", h.Type)
	}
}

// TestCrashRecoveryPromotesOrphanedTombstone simulates a crash between
// hal_ks_block_update's deprecate and write steps: the old block is
// left as a lone tombstone with no live counterpart. Reopening the
// store over the same driver must restore it to live.
func TestCrashRecoveryPromotesOrphanedTombstone(t *testing.T) {
	driver := voldriver.New(8)
	s, err := Open(driver)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	name := uuidFrom(0x33)
	b1, err := s.AddKey(name, KeyTypeECPrivate, CurveP256, 0, []byte("der-orig"), nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Manually deprecate b1 in place, as step 1 of UpdateKey would,
	// then stop without claiming a replacement block — the crash
	// window the recovery scan exists to close.
	buf, err := driver.Read(b1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	h, err := parseHeader(buf)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	h.Status = StatusTombstone
	h.put(buf)
	h.CRC = blockCRC(buf)
	h.put(buf)
	if err := driver.Write(b1, buf); err != nil {
		t.Fatalf("write tombstone: %v", err)
	}

	reopened, err := Open(driver)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	view, gotBlock, err := reopened.FindKey(name)
	if err != nil {
		t.Fatalf("find after recovery: %v", err)
	}
	if gotBlock != b1 {
		t.Errorf("expected recovery to promote block %d in place, got %d", b1, gotBlock)
	}
	if !bytes.Equal(view.WrappedDER, []byte("der-orig")) {
		t.Errorf("got der %q want der-orig", view.WrappedDER)
	}
}

// TestCrashRecoveryDiscardsStaleTombstone covers the other half of the
// same scan: a tombstone whose replacement made it all the way to
// live before the crash. The orphaned tombstone must be discarded,
// not resurrected alongside the live copy (I4).
func TestCrashRecoveryDiscardsStaleTombstone(t *testing.T) {
	driver := voldriver.New(8)
	s, err := Open(driver)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	name := uuidFrom(0x44)
	b1, err := s.AddKey(name, KeyTypeECPrivate, CurveP256, 0, []byte("der-v1"), nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b2, err := s.UpdateKey(name, KeyTypeECPrivate, CurveP256, 0, []byte("der-v2"), nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Rewrite the old (already-zeroed) block back to a tombstone,
	// simulating a crash after step 1 of a *second* update attempt
	// that never got past the deprecate step.
	tomb := newBlock(BlockKey, StatusTombstone)
	copy(tomb[8:24], name[:])
	h, _ := parseHeader(tomb)
	h.CRC = blockCRC(tomb)
	h.put(tomb)
	if err := driver.Write(b1, tomb); err != nil {
		t.Fatalf("write stale tombstone: %v", err)
	}

	reopened, err := Open(driver)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	view, gotBlock, err := reopened.FindKey(name)
	if err != nil {
		t.Fatalf("find after recovery: %v", err)
	}
	if gotBlock != b2 {
		t.Errorf("expected live copy to remain at block %d, got %d", b2, gotBlock)
	}
	if !bytes.Equal(view.WrappedDER, []byte("der-v2")) {
		t.Errorf("got der %q want der-v2", view.WrappedDER)
	}

	stale, err := driver.Read(b1)
	if err != nil {
		t.Fatalf("read stale block: %v", err)
	}
	sh, err := verifyAndParse(stale)
	if err != nil {
		t.Fatalf("parse stale block: %v", err)
	}
	if sh.Type != BlockZeroed {
		t.Errorf("expected stale tombstone zeroed, got type %v", sh.Type)
	}
}

// TestPINLifecycle exercises spec §4.2.9's last-gasp fallback, set-pin,
// login, and logout paths through the full Store.
func TestPINLifecycle(t *testing.T) {
	s, err := Open(voldriver.New(8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// No PIN block yet: the wheel login falls back to the last-gasp
	// constant, and any other candidate is rejected.
	if err := s.Login(pin.UserWheel, []byte("fnord fnord fnord")); err != nil {
		t.Fatalf("last-gasp login: %v", err)
	}
	if !s.IsLoggedIn(pin.UserWheel) {
		t.Error("expected wheel to be logged in after last-gasp login")
	}
	s.LogoutAll()
	if s.IsLoggedIn(pin.UserWheel) {
		t.Error("expected logout-all to clear wheel session")
	}

	if err := s.SetPIN(pin.UserNormal, []byte("1234")); err != nil {
		t.Fatalf("set-pin: %v", err)
	}
	if err := s.Login(pin.UserNormal, []byte("1234")); err != nil {
		t.Fatalf("login with correct pin: %v", err)
	}
	if !s.IsLoggedIn(pin.UserNormal) {
		t.Error("expected normal user logged in")
	}
	s.Logout(pin.UserNormal)
	if s.IsLoggedIn(pin.UserNormal) {
		t.Error("expected logout to clear normal user session")
	}

	// Once the wheel PIN is set, the last-gasp constant no longer
	// works for it (the last-gasp fallback applies only to an unset
	// wheel PIN, per spec §3).
	if err := s.SetPIN(pin.UserWheel, []byte("wheel-secret")); err != nil {
		t.Fatalf("set wheel pin: %v", err)
	}
	if err := s.Login(pin.UserWheel, []byte("fnord fnord fnord")); err == nil {
		t.Error("expected last-gasp constant to be rejected once a real wheel pin is set")
	}
	if err := s.Login(pin.UserWheel, []byte("wheel-secret")); err != nil {
		t.Fatalf("login with real wheel pin: %v", err)
	}
}

func TestSetKEKGetEraseRoundTrip(t *testing.T) {
	s, err := Open(voldriver.New(8))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := s.GetKEK(); err == nil {
		t.Error("expected get-kek to fail before any kek is set")
	}

	kek := bytes.Repeat([]byte{0xAB}, kekSize)
	if err := s.SetKEK(kek); err != nil {
		t.Fatalf("set-kek: %v", err)
	}
	got, err := s.GetKEK()
	if err != nil {
		t.Fatalf("get-kek: %v", err)
	}
	if !bytes.Equal(got, kek) {
		t.Errorf("got kek %x want %x", got, kek)
	}

	if err := s.EraseKEK(); err != nil {
		t.Fatalf("erase-kek: %v", err)
	}
	if _, err := s.GetKEK(); err == nil {
		t.Error("expected get-kek to fail after erase")
	}
}
