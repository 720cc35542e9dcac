package pkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/herr"
)

// These cover the RPC layer's "Mixed" dispatch regime (spec §4.6): the
// client hashes locally and, for RSA, builds the PKCS#1 DigestInfo
// envelope locally too (rpc_pkcs1.c's hal_rpc_pkcs1_construct_digestinfo),
// so by the time a request reaches here there is no hash algorithm left
// to look up — the DigestInfo prefix (or, for EC, the bare digest)
// already carries everything the private-key operation needs.

// SignRawRSA pads t (a caller-supplied ASN.1 DigestInfo, or any other
// octet string the caller wants signed raw) with the standard EMSA-
// PKCS1-v1_5 prefix and performs the private-key operation, without
// consulting any hash.Algorithm.
func SignRawRSA(arb *arbiter.Arbiter, priv *rsa.PrivateKey, t []byte) ([]byte, error) {
	k := (priv.N.BitLen() + 7) / 8
	em, err := emsaPKCS1v15(nil, t, k)
	if err != nil {
		return nil, err
	}
	c := new(big.Int).SetBytes(em)
	if c.Cmp(priv.N) >= 0 {
		return nil, herr.New(herr.BadArguments, "pkey.SignRawRSA", nil)
	}
	m, err := rsaPrivateOp(arb, priv, c)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, k)
	m.FillBytes(sig)
	return sig, nil
}

// VerifyRawRSA checks sig over t (the same DigestInfo construction
// SignRawRSA consumes) using the textbook RSAVP1 verification exponent
// operation plus a constant-time comparison of the recovered EMSA
// block, since crypto/rsa.VerifyPKCS1v15 insists on a crypto.Hash and
// there is none here by construction.
func VerifyRawRSA(pub *rsa.PublicKey, t, sig []byte) error {
	k := (pub.N.BitLen() + 7) / 8
	if len(sig) != k {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRawRSA", nil)
	}
	c := new(big.Int).SetBytes(sig)
	if c.Cmp(pub.N) >= 0 {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRawRSA", nil)
	}
	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, pub.N)
	want, err := emsaPKCS1v15(nil, t, k)
	if err != nil {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRawRSA", err)
	}
	got := make([]byte, k)
	m.FillBytes(got)
	if !constantTimeEqual(got, want) {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRawRSA", nil)
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// SignRawEC signs digest directly, bypassing the hash.Algorithm gate
// SignEC applies: ecdsa.PrivateKey.Sign ignores its opts.SignerOpts
// argument entirely (it only ever consults the digest bytes), so no
// algorithm identity is needed here, matching the wire format's "Mixed"
// path where the digest arrives with no handle and no algorithm tag.
func SignRawEC(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := priv.Sign(rand.Reader, digest, rawSignerOpts{})
	if err != nil {
		return nil, herr.New(herr.AllocationFailure, "pkey.SignRawEC", err)
	}
	return sig, nil
}

// VerifyRawEC checks sig over digest with no algorithm tag, mirroring
// SignRawEC.
func VerifyRawEC(pub *ecdsa.PublicKey, digest, sig []byte) error {
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRawEC", nil)
	}
	return nil
}

// rawSignerOpts satisfies crypto.SignerOpts with an unused hash value;
// ecdsa.PrivateKey.Sign never calls HashFunc(), but the interface still
// requires an implementation to be handed one.
type rawSignerOpts struct{}

func (rawSignerOpts) HashFunc() crypto.Hash { return 0 }
