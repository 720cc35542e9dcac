package pkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"

	stdsha1 "crypto/sha1"
	stdsha256 "crypto/sha256"
	stdsha512 "crypto/sha512"

	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
)

// ellipticCurve maps a keystore.Curve (the on-disk/wire enum, spec §3
// "Curve") onto the stdlib crypto/elliptic curve it names.
func ellipticCurve(c keystore.Curve) (elliptic.Curve, error) {
	switch c {
	case keystore.CurveP256:
		return elliptic.P256(), nil
	case keystore.CurveP384:
		return elliptic.P384(), nil
	case keystore.CurveP521:
		return elliptic.P521(), nil
	default:
		return nil, herr.New(herr.BadArguments, "pkey.ellipticCurve", nil)
	}
}

// cryptoHashFor maps a hash.Algorithm onto the crypto.Hash stdlib
// signing/verification APIs expect. Registered directly against the
// stdlib hash implementations rather than through hash.State, since
// the value itself (not a usable hash.Hash) is all ecdsa.Sign/Verify
// and rsa.VerifyPKCS1v15 need.
func cryptoHashFor(alg hash.Algorithm) crypto.Hash {
	switch alg {
	case hash.SHA1:
		return crypto.SHA1
	case hash.SHA224:
		return crypto.SHA224
	case hash.SHA256:
		return crypto.SHA256
	case hash.SHA384:
		return crypto.SHA384
	case hash.SHA512:
		return crypto.SHA512
	case hash.SHA512_224:
		return crypto.SHA512_224
	case hash.SHA512_256:
		return crypto.SHA512_256
	default:
		return 0
	}
}

func init() {
	// Registering the stdlib constructors lets crypto.Hash.New() work
	// for callers that go through the crypto.Hash value directly,
	// matching how crypto/ecdsa and crypto/rsa expect these to be wired.
	crypto.RegisterHash(crypto.SHA1, stdsha1.New)
	crypto.RegisterHash(crypto.SHA224, stdsha256.New224)
	crypto.RegisterHash(crypto.SHA256, stdsha256.New)
	crypto.RegisterHash(crypto.SHA384, stdsha512.New384)
	crypto.RegisterHash(crypto.SHA512, stdsha512.New)
	crypto.RegisterHash(crypto.SHA512_224, stdsha512.New512_224)
	crypto.RegisterHash(crypto.SHA512_256, stdsha512.New512_256)
}

// GenerateECKey generates a fresh EC private key on curve (spec §6.2
// #16 PKEY_GENERATE_EC). EC key generation has no core-allocation
// stake comparable to RSA's or modexp's, so it runs directly through
// crypto/ecdsa.
func GenerateECKey(curve keystore.Curve) (*ecdsa.PrivateKey, error) {
	c, err := ellipticCurve(curve)
	if err != nil {
		return nil, err
	}
	priv, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		return nil, herr.New(herr.AllocationFailure, "pkey.GenerateECKey", err)
	}
	return priv, nil
}

// SignEC signs digest (already hashed under alg) with priv, returning
// an ASN.1 DER ECDSA signature (spec §6.2 #23).
func SignEC(priv *ecdsa.PrivateKey, alg hash.Algorithm, digest []byte) ([]byte, error) {
	ch := cryptoHashFor(alg)
	if ch == 0 {
		return nil, herr.New(herr.BadArguments, "pkey.SignEC", nil)
	}
	sig, err := priv.Sign(rand.Reader, digest, ch)
	if err != nil {
		return nil, herr.New(herr.AllocationFailure, "pkey.SignEC", err)
	}
	return sig, nil
}

// VerifyEC checks an ASN.1 DER ECDSA signature over digest against pub
// (spec §6.2 #24).
func VerifyEC(pub *ecdsa.PublicKey, digest, sig []byte) error {
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return herr.New(herr.InvalidSignature, "pkey.VerifyEC", nil)
	}
	return nil
}
