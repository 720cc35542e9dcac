package hashsig

import (
	"testing"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
)

// TestLMOTSSignVerify exercises one Winternitz chain's sign/verify
// round trip directly, independent of any Merkle tree.
func TestLMOTSSignVerify(t *testing.T) {
	var i [16]byte
	copy(i[:], []byte("0123456789abcdef"))
	k, err := GenerateLMOTSPrivateKey(LMOTSSHA256N32W8, i, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	sig, err := k.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	kc, err := PublicKeyCandidate(LMOTSSHA256N32W8, i, 0, []byte("hello"), sig)
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if kc != pub {
		t.Fatal("candidate public key does not match")
	}

	kcBad, err := PublicKeyCandidate(LMOTSSHA256N32W8, i, 0, []byte("world"), sig)
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if kcBad == pub {
		t.Fatal("candidate public key matched for a different message")
	}
}

// TestLMSSignVerify covers a small full tree (h=5) end to end,
// including rejecting a tampered message.
func TestLMSSignVerify(t *testing.T) {
	k, err := GenerateLMSPrivateKey(LMSSHA256N32H5, LMOTSSHA256N32W8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	sig, err := k.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(pub, []byte("hello"), sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(pub, []byte("world"), sig); err == nil {
		t.Fatal("expected verify to reject a different message")
	}
}

// TestLMSExhaustion confirms a tree rejects signing once every leaf is
// used (spec §8 seed scenario 4, at the LMS layer).
func TestLMSExhaustion(t *testing.T) {
	k, err := GenerateLMSPrivateKey(LMSSHA256N32H5, LMOTSSHA256N32W8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	const n = 1 << 5
	var seventeenth *LMSSignature
	for q := 0; q < n; q++ {
		sig, err := k.Sign([]byte("hello"))
		if err != nil {
			t.Fatalf("sign %d: %v", q, err)
		}
		if q == 16 {
			seventeenth = sig
		}
		if err := Verify(pub, []byte("hello"), sig); err != nil {
			t.Fatalf("verify %d: %v", q, err)
		}
	}
	if err := Verify(pub, []byte("world"), seventeenth); err == nil {
		t.Fatal("expected signature 17 to reject message \"world\"")
	}

	if _, err := k.Sign([]byte("hello")); herr.CodeOf(err) != herr.HashsigKeyExhausted {
		t.Fatalf("expected key-exhausted on the 33rd sign, got %v", err)
	}
}

// TestHSSMultiLevelSignVerify covers a two-level hierarchy, forcing a
// level-1 regeneration after its tree (h=5) exhausts.
func TestHSSMultiLevelSignVerify(t *testing.T) {
	k, err := GenerateHSSPrivateKey(2, LMSSHA256N32H5, LMOTSSHA256N32W8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	const n = 1 << 5
	for q := 0; q <= n; q++ { // one past the bottom tree's capacity
		sig, err := k.Sign([]byte("hello"))
		if err != nil {
			t.Fatalf("sign %d: %v", q, err)
		}
		if err := VerifyHSS(pub, []byte("hello"), sig); err != nil {
			t.Fatalf("verify %d: %v", q, err)
		}
	}
}

// TestEncodeDecodeRoundTrip confirms the wire encoders this package
// exposes for the RPC layer round-trip correctly.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	k, err := GenerateLMSPrivateKey(LMSSHA256N32H5, LMOTSSHA256N32W8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	sig, err := k.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pubBuf := EncodePublicKey(pub)
	pub2, err := DecodePublicKey(pubBuf)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if pub2 != pub {
		t.Fatal("public key round trip mismatch")
	}

	sigBuf, err := EncodeSignature(sig)
	if err != nil {
		t.Fatalf("encode signature: %v", err)
	}
	sig2, err := DecodeSignature(sigBuf, LMOTSSHA256N32W8.SignatureLen())
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if sig2.Q != sig.Q || sig2.Type != sig.Type || len(sig2.Path) != len(sig.Path) {
		t.Fatal("signature round trip mismatch")
	}
	if err := Verify(pub, []byte("hello"), sig2); err != nil {
		t.Fatalf("verify decoded signature: %v", err)
	}
}

func newStore(t *testing.T, size int) *keystore.Store {
	t.Helper()
	store, err := keystore.Open(voldriver.New(size))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

// TestStoreGenerateSignVerify is the spec's own seed scenario: HSS
// L=1, h=5, w=8. Generate a key, sign "hello" 32 times exhausting the
// tree, confirm the 33rd sign returns key-exhausted, every signature
// verifies, and signature 17 rejects a different message.
func TestStoreGenerateSignVerify(t *testing.T) {
	backing := newStore(t, 40)
	hs := NewStore(backing)
	if err := hs.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	name, err := hs.GenerateKey(1, LMSSHA256N32H5, LMOTSSHA256N32W8, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := hs.PublicKey(name)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}

	const n = 1 << 5
	var seventeenth *Signature
	for q := 0; q < n; q++ {
		sig, err := hs.Sign(name, []byte("hello"))
		if err != nil {
			t.Fatalf("sign %d: %v", q, err)
		}
		if q == 16 {
			seventeenth = sig
		}
		if err := VerifyHSS(pub, []byte("hello"), sig); err != nil {
			t.Fatalf("verify %d: %v", q, err)
		}
	}

	if _, err := hs.Sign(name, []byte("hello")); herr.CodeOf(err) != herr.HashsigKeyExhausted {
		t.Fatalf("expected key-exhausted on the 33rd sign, got %v", err)
	}
	if err := VerifyHSS(pub, []byte("world"), seventeenth); err == nil {
		t.Fatal("expected signature 17 to reject message \"world\"")
	}
}

// TestStoreNotReadyBeforeRecover confirms GenerateKey is blocked with
// herr.NotReady until Recover completes (spec §4.5.4).
func TestStoreNotReadyBeforeRecover(t *testing.T) {
	backing := newStore(t, 40)
	hs := NewStore(backing)
	if _, err := hs.GenerateKey(1, LMSSHA256N32H5, LMOTSSHA256N32W8, 0); herr.CodeOf(err) != herr.NotReady {
		t.Fatalf("expected not-ready before recover, got %v", err)
	}
}

// TestStoreCrashRecovery confirms a fresh Store reopened over the same
// backing blocks reconstructs a persisted level-0 tree and can resume
// signing from where it left off.
func TestStoreCrashRecovery(t *testing.T) {
	driver := voldriver.New(40)
	backing, err := keystore.Open(driver)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hs := NewStore(backing)
	if err := hs.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	name, err := hs.GenerateKey(1, LMSSHA256N32H5, LMOTSSHA256N32W8, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := hs.PublicKey(name)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := hs.Sign(name, []byte("hello")); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
	}

	reopened, err := keystore.Open(driver)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	hs2 := NewStore(reopened)
	if err := hs2.Recover(); err != nil {
		t.Fatalf("recover after reopen: %v", err)
	}
	pub2, err := hs2.PublicKey(name)
	if err != nil {
		t.Fatalf("public key after recovery: %v", err)
	}
	if pub2 != pub {
		t.Fatal("recovered public key does not match original")
	}

	sig, err := hs2.Sign(name, []byte("after restart"))
	if err != nil {
		t.Fatalf("sign after recovery: %v", err)
	}
	if err := VerifyHSS(pub2, []byte("after restart"), sig); err != nil {
		t.Fatalf("verify after recovery: %v", err)
	}
	if sig.Final.Q != 3 {
		t.Fatalf("expected leaf index to resume at 3, got %d", sig.Final.Q)
	}
}
