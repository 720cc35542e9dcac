package pkey

import (
	"bytes"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := keystore.Open(voldriver.New(16))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	kek := bytes.Repeat([]byte{0x5A}, 32)
	if err := store.SetKEK(kek); err != nil {
		t.Fatalf("set kek: %v", err)
	}
	m, err := NewManager(store, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func digestOf(msg []byte) []byte {
	d := sha256.Sum256(msg)
	return d[:]
}

// TestRSAGenerateSignVerify exercises the default-exponent keygen path
// and the modexp-CRT-routed private signing operation end to end.
func TestRSAGenerateSignVerify(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateRSA(1024, nil, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate rsa: %v", err)
	}

	digest := digestOf([]byte("message for signing"))
	sig, err := m.Sign(name, hash.SHA256, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pubDER, err := m.PublicKeyDER(name)
	if err != nil {
		t.Fatalf("public key der: %v", err)
	}
	if err := Verify(pubDER, hash.SHA256, digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := append([]byte(nil), digest...)
	tampered[0] ^= 0xFF
	if err := Verify(pubDER, hash.SHA256, tampered, sig); err == nil {
		t.Error("expected verify to reject a tampered digest")
	}
}

// TestRSAGenerateCustomExponent confirms the re-derived d is correct
// by round-tripping a sign/verify under e=3.
func TestRSAGenerateCustomExponent(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateRSA(1024, big.NewInt(3).Bytes(), keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate rsa custom e: %v", err)
	}

	digest := digestOf([]byte("small exponent message"))
	sig, err := m.Sign(name, hash.SHA256, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pubDER, err := m.PublicKeyDER(name)
	if err != nil {
		t.Fatalf("public key der: %v", err)
	}
	if err := Verify(pubDER, hash.SHA256, digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestECGenerateSignVerify covers the EC key path through stdlib
// ecdsa/elliptic.
func TestECGenerateSignVerify(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}

	digest := digestOf([]byte("ec message"))
	sig, err := m.Sign(name, hash.SHA256, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pubDER, err := m.PublicKeyDER(name)
	if err != nil {
		t.Fatalf("public key der: %v", err)
	}
	if err := Verify(pubDER, hash.SHA256, digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestImportExportRoundTrip confirms a key generated, exported as
// wire-format PKIX DER, and a freshly-imported PKCS#8 DER all agree.
func TestImportExportRoundTrip(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}
	_, der, _, err := m.loadPrivate(name, keystore.KeyTypeECPrivate)
	if err != nil {
		t.Fatalf("load private: %v", err)
	}

	imported, err := m.Import(der, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	digest := digestOf([]byte("round trip message"))
	sig, err := m.Sign(imported, hash.SHA256, digest)
	if err != nil {
		t.Fatalf("sign imported: %v", err)
	}
	pubDER, err := m.PublicKeyDER(imported)
	if err != nil {
		t.Fatalf("public key der: %v", err)
	}
	if err := Verify(pubDER, hash.SHA256, digest, sig); err != nil {
		t.Fatalf("verify imported: %v", err)
	}
}

// TestAttributeGetSetRoundTrip confirms attribute writes persist
// through the tombstone update sequence and read back correctly.
func TestAttributeGetSetRoundTrip(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}

	const attrLabel = uint32(1)
	if err := m.SetAttribute(name, attrLabel, []byte("my-signing-key")); err != nil {
		t.Fatalf("set attribute: %v", err)
	}
	got, err := m.GetAttribute(name, attrLabel)
	if err != nil {
		t.Fatalf("get attribute: %v", err)
	}
	if !bytes.Equal(got, []byte("my-signing-key")) {
		t.Errorf("got attribute %q want %q", got, "my-signing-key")
	}

	// The key itself must still sign correctly after the attribute
	// update's tombstone replace.
	digest := digestOf([]byte("post-attribute-update"))
	sig, err := m.Sign(name, hash.SHA256, digest)
	if err != nil {
		t.Fatalf("sign after attribute update: %v", err)
	}
	pubDER, err := m.PublicKeyDER(name)
	if err != nil {
		t.Fatalf("public key der: %v", err)
	}
	if err := Verify(pubDER, hash.SHA256, digest, sig); err != nil {
		t.Fatalf("verify after attribute update: %v", err)
	}
}

// TestDeleteKey confirms deleted keys can no longer be found or used.
func TestDeleteKey(t *testing.T) {
	m := newManager(t)

	name, err := m.GenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}
	if err := m.Delete(name); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.PublicKeyDER(name); err == nil {
		t.Error("expected public key lookup to fail after delete")
	}
}
