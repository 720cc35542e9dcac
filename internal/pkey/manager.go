// Package pkey implements the keystore-backed asymmetric key object
// model (spec §4.5 "Key objects", §6.2 PKEY_* calls): generate, load,
// sign, verify, export/import, and attribute access for RSA, EC, and
// (in the hashsig package) HSS keys. Private key material is always
// stored wrapped under the HSM's KEK via keywrap's RFC 5649 AES-KW, in
// the same PKCS#8 DER the spec's "wire format for export" names.
package pkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"math/big"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/attr"
	"github.com/cryptech/hsmcore/internal/keywrap"
)

// Manager bundles the keystore and FPGA arbiter a running HSM session
// needs to service PKEY_* RPCs, plus the KEK private keys are wrapped
// under (spec §4.2.9 "KEK" / §4.5).
type Manager struct {
	Store *keystore.Store
	Arb   *arbiter.Arbiter
	KEK   []byte
}

// NewManager builds a Manager over an already-open store and arbiter,
// loading the KEK from the store's PIN block (spec §4.2.9).
func NewManager(store *keystore.Store, arb *arbiter.Arbiter) (*Manager, error) {
	kek, err := store.GetKEK()
	if err != nil {
		return nil, err
	}
	return &Manager{Store: store, Arb: arb, KEK: kek}, nil
}

// storePrivate wraps der under m.KEK and adds it to the keystore as a
// new key block, returning the fresh name and block number.
func (m *Manager) storePrivate(keyType keystore.KeyType, curve keystore.Curve, flags keystore.KeyFlags, der []byte) (uuid.UUID, uint16, error) {
	wrapped, err := keywrap.Wrap(m.KEK, der)
	if err != nil {
		return uuid.UUID{}, 0, herr.New(herr.MasterkeyFail, "pkey.storePrivate", err)
	}
	name := uuid.New()
	blockno, err := m.Store.AddKey(name, keyType, curve, flags, wrapped, nil)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	return name, blockno, nil
}

// loadPrivate reads and unwraps the DER for name, confirming it is
// still the expected key type.
func (m *Manager) loadPrivate(name uuid.UUID, want keystore.KeyType) (keystore.Curve, []byte, uint16, error) {
	view, blockno, err := m.Store.FindKey(name)
	if err != nil {
		return 0, nil, 0, err
	}
	if view.Type != want {
		return 0, nil, 0, herr.New(herr.KeyNotFound, "pkey.loadPrivate", nil)
	}
	der, err := keywrap.Unwrap(m.KEK, view.WrappedDER)
	if err != nil {
		return 0, nil, 0, herr.New(herr.MasterkeyFail, "pkey.loadPrivate", err)
	}
	return view.Curve, der, blockno, nil
}

// GenerateRSA implements PKEY_GENERATE_RSA (spec §6.2 #15): generate an
// RSA key of the given modulus size under exponent e (65537 if e is
// empty), wrap it, and store it.
func (m *Manager) GenerateRSA(bits int, e []byte, flags keystore.KeyFlags) (uuid.UUID, error) {
	var exp *big.Int
	if len(e) != 0 {
		exp = new(big.Int).SetBytes(e)
	}
	priv, err := GenerateRSAKey(bits, exp)
	if err != nil {
		return uuid.UUID{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return uuid.UUID{}, herr.New(herr.AllocationFailure, "pkey.GenerateRSA", err)
	}
	name, _, err := m.storePrivate(keystore.KeyTypeRSAPrivate, keystore.CurveNone, flags, der)
	return name, err
}

// GenerateEC implements PKEY_GENERATE_EC (spec §6.2 #16).
func (m *Manager) GenerateEC(curve keystore.Curve, flags keystore.KeyFlags) (uuid.UUID, error) {
	priv, err := GenerateECKey(curve)
	if err != nil {
		return uuid.UUID{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return uuid.UUID{}, herr.New(herr.AllocationFailure, "pkey.GenerateEC", err)
	}
	name, _, err := m.storePrivate(keystore.KeyTypeECPrivate, curve, flags, der)
	return name, err
}

// Sign implements PKEY_SIGN (spec §6.2 #23): load name's private key,
// dispatch to the RSA or EC signer by its stored KeyType.
func (m *Manager) Sign(name uuid.UUID, alg hash.Algorithm, digest []byte) ([]byte, error) {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return nil, err
	}
	der, err := keywrap.Unwrap(m.KEK, view.WrappedDER)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.Sign", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, herr.New(herr.Impossible, "pkey.Sign", err)
	}
	switch priv := key.(type) {
	case *rsa.PrivateKey:
		return SignRSA(m.Arb, priv, alg, digest)
	case *ecdsa.PrivateKey:
		return SignEC(priv, alg, digest)
	default:
		return nil, herr.New(herr.BadArguments, "pkey.Sign", nil)
	}
}

// UnwrapDER returns name's plaintext PKCS#8 DER, unwrapped under the
// Manager's running KEK (PKEY_EXPORT's first step, spec §6.2 #29).
func (m *Manager) UnwrapDER(name uuid.UUID) ([]byte, error) {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return nil, err
	}
	der, err := keywrap.Unwrap(m.KEK, view.WrappedDER)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.UnwrapDER", err)
	}
	return der, nil
}

// WrapDER wraps plaintext under key (RFC 5649 AES-KW), exposed for
// PKEY_EXPORT/PKEY_IMPORT's ephemeral-KEK hierarchy.
func (m *Manager) WrapDER(key, plaintext []byte) ([]byte, error) {
	wrapped, err := keywrap.Wrap(key, plaintext)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.WrapDER", err)
	}
	return wrapped, nil
}

// UnwrapWith is WrapDER's inverse.
func (m *Manager) UnwrapWith(key, wrapped []byte) ([]byte, error) {
	plaintext, err := keywrap.Unwrap(key, wrapped)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.UnwrapWith", err)
	}
	return plaintext, nil
}

// SignRaw implements PKEY_SIGN's no-hash-handle path (spec §6.2 #23,
// the Mixed regime): input is already the DigestInfo T value (RSA) or
// raw digest (EC) the client constructed locally, so there is no
// algorithm to look up here.
func (m *Manager) SignRaw(name uuid.UUID, input []byte) ([]byte, error) {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return nil, err
	}
	der, err := keywrap.Unwrap(m.KEK, view.WrappedDER)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.SignRaw", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, herr.New(herr.Impossible, "pkey.SignRaw", err)
	}
	switch priv := key.(type) {
	case *rsa.PrivateKey:
		return SignRawRSA(m.Arb, priv, input)
	case *ecdsa.PrivateKey:
		return SignRawEC(priv, input)
	default:
		return nil, herr.New(herr.BadArguments, "pkey.SignRaw", nil)
	}
}

// VerifyRaw implements PKEY_VERIFY's no-hash-handle path, mirroring
// SignRaw against a PKIX public key DER.
func VerifyRaw(pubDER, input, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return herr.New(herr.Impossible, "pkey.VerifyRaw", err)
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return VerifyRawRSA(p, input, sig)
	case *ecdsa.PublicKey:
		return VerifyRawEC(p, input, sig)
	default:
		return herr.New(herr.BadArguments, "pkey.VerifyRaw", nil)
	}
}

// Verify implements PKEY_VERIFY (spec §6.2 #24) against a public key
// DER blob (PKIX, the format PublicKeyDER returns).
func Verify(pubDER []byte, alg hash.Algorithm, digest, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return herr.New(herr.Impossible, "pkey.Verify", err)
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return VerifyRSA(p, alg, digest, sig)
	case *ecdsa.PublicKey:
		return VerifyEC(p, digest, sig)
	default:
		return herr.New(herr.BadArguments, "pkey.Verify", nil)
	}
}

// PublicKeyDER implements PKEY_GET_PUBLIC_KEY (spec §6.2 #22): the
// PKIX DER encoding of name's public half.
func (m *Manager) PublicKeyDER(name uuid.UUID) ([]byte, error) {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return nil, err
	}
	der, err := keywrap.Unwrap(m.KEK, view.WrappedDER)
	if err != nil {
		return nil, herr.New(herr.MasterkeyFail, "pkey.PublicKeyDER", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, herr.New(herr.Impossible, "pkey.PublicKeyDER", err)
	}
	var pub any
	switch priv := key.(type) {
	case *rsa.PrivateKey:
		pub = &priv.PublicKey
	case *ecdsa.PrivateKey:
		pub = &priv.PublicKey
	default:
		return nil, herr.New(herr.BadArguments, "pkey.PublicKeyDER", nil)
	}
	out, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, herr.New(herr.AllocationFailure, "pkey.PublicKeyDER", err)
	}
	return out, nil
}

// Import implements PKEY_LOAD (spec §6.2 #13) for a PKCS#8 private key
// blob arriving in the clear over the RPC channel (the caller is
// responsible for having authenticated and for the transport's own
// confidentiality, per spec §4.6).
func (m *Manager) Import(der []byte, flags keystore.KeyFlags) (uuid.UUID, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return uuid.UUID{}, herr.New(herr.BadArguments, "pkey.Import", err)
	}
	switch priv := key.(type) {
	case *rsa.PrivateKey:
		name, _, err := m.storePrivate(keystore.KeyTypeRSAPrivate, keystore.CurveNone, flags, der)
		return name, err
	case *ecdsa.PrivateKey:
		curve, err := curveFromPublic(priv.Curve)
		if err != nil {
			return uuid.UUID{}, err
		}
		name, _, err := m.storePrivate(keystore.KeyTypeECPrivate, curve, flags, der)
		return name, err
	default:
		return uuid.UUID{}, herr.New(herr.BadArguments, "pkey.Import", nil)
	}
}

// Delete implements PKEY_DELETE (spec §6.2 #18).
func (m *Manager) Delete(name uuid.UUID) error {
	return m.Store.DeleteKey(name)
}

// GetAttribute implements the attribute-get half of spec §4.5's
// CKA_*-style attribute calls, reading the key block's TLV area via
// the attr package.
func (m *Manager) GetAttribute(name uuid.UUID, typ uint32) ([]byte, error) {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return nil, err
	}
	attrs, _, err := attr.Scan(view.AttrTLV)
	if err != nil {
		return nil, err
	}
	value, ok := attr.Get(attrs, typ)
	if !ok {
		return nil, herr.New(herr.KeyNotFound, "pkey.GetAttribute", nil)
	}
	return value, nil
}

// SetAttribute implements the attribute-set half, persisting the
// updated TLV area back through UpdateKey's tombstone sequence.
func (m *Manager) SetAttribute(name uuid.UUID, typ uint32, value []byte) error {
	view, _, err := m.Store.FindKey(name)
	if err != nil {
		return err
	}
	attrs, _, err := attr.Scan(view.AttrTLV)
	if err != nil {
		return err
	}
	attrs = attr.Set(attrs, typ, value)
	_, err = m.Store.UpdateKey(name, view.Type, view.Curve, view.Flags, view.WrappedDER, attr.Encode(attrs))
	return err
}

func curveFromPublic(c interface {
	Params() *elliptic.CurveParams
}) (keystore.Curve, error) {
	params := c.Params()
	switch params.BitSize {
	case 256:
		return keystore.CurveP256, nil
	case 384:
		return keystore.CurveP384, nil
	case 521:
		return keystore.CurveP521, nil
	default:
		return 0, herr.New(herr.BadArguments, "pkey.curveFromPublic", nil)
	}
}
