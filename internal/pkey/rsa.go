package pkey

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/modexp"
)

// defaultPublicExponent is used when PKEY_GENERATE_RSA's e argument is
// empty (spec §6.2 #15 "e:opaque").
var defaultPublicExponent = big.NewInt(65537)

// GenerateRSAKey builds an RSA private key of the given bit length
// under public exponent e (65537 if e is nil). crypto/rsa.GenerateKey
// only ever produces the standard e=65537, so this generates the
// primes with it and then re-derives d for the caller's e, retrying
// with fresh primes on the rare case e isn't coprime with phi(n) —
// the one piece of original prime generation this still borrows from
// crypto/rsa, since the spec's "ModExp driver" boundary is the private
// *operation*, not key generation (SPEC_FULL's pkey module).
func GenerateRSAKey(bits int, e *big.Int) (*rsa.PrivateKey, error) {
	if bits < 512 {
		return nil, herr.New(herr.BadArguments, "pkey.GenerateRSAKey", nil)
	}
	if e == nil {
		e = defaultPublicExponent
	}
	one := big.NewInt(1)

	for attempt := 0; attempt < 10; attempt++ {
		base, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, herr.New(herr.AllocationFailure, "pkey.GenerateRSAKey", err)
		}
		p, q := base.Primes[0], base.Primes[1]
		phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
		d := new(big.Int).ModInverse(e, phi)
		if d == nil {
			continue
		}
		priv := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: base.N, E: int(e.Int64())},
			D:         d,
			Primes:    []*big.Int{p, q},
		}
		priv.Precompute()
		return priv, nil
	}
	return nil, herr.New(herr.AllocationFailure, "pkey.GenerateRSAKey", nil)
}

// rsaPrivateOp performs the RSA private-key exponentiation c^d mod n
// via the two-core CRT path (spec §4.4 "Parallel variant"): m1 =
// c^dP mod p and m2 = c^dQ mod q run as the two halves of modexp.Run2,
// then Garner's formula recombines them. This is the one RSA private
// operation hsmcore performs; crypto/rsa's own signer is never called
// for the private half, so the modexp core abstraction is genuinely
// exercised rather than bypassed.
func rsaPrivateOp(arb *arbiter.Arbiter, priv *rsa.PrivateKey, c *big.Int) (*big.Int, error) {
	p, q := priv.Primes[0], priv.Primes[1]
	dP, dQ, qInv := priv.Precomputed.Dp, priv.Precomputed.Dq, priv.Precomputed.Qinv

	cBytes := c.Bytes()
	r1, r2, err := modexp.Run2(arb, "modexp-crt-p", "modexp-crt-q",
		modexp.Op{Msg: cBytes, Exp: dP.Bytes(), Mod: p.Bytes()},
		modexp.Op{Msg: cBytes, Exp: dQ.Bytes(), Mod: q.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	m1 := new(big.Int).SetBytes(r1.Value)
	m2 := new(big.Int).SetBytes(r2.Value)

	h := new(big.Int).Sub(m1, m2)
	h.Mul(h, qInv)
	h.Mod(h, p)

	m := new(big.Int).Mul(h, q)
	m.Add(m, m2)
	return m, nil
}

// emsaPKCS1v15 builds the RFC 8017 EMSA-PKCS1-v1_5 encoded message for
// digest under algID's DigestInfo prefix, padded to emLen bytes.
func emsaPKCS1v15(algID, digest []byte, emLen int) ([]byte, error) {
	t := make([]byte, 0, len(algID)+len(digest))
	t = append(t, algID...)
	t = append(t, digest...)
	if emLen < len(t)+11 {
		return nil, herr.New(herr.ResultTooLong, "pkey.emsaPKCS1v15", nil)
	}
	em := make([]byte, emLen)
	em[0] = 0x00
	em[1] = 0x01
	for i := 2; i < emLen-len(t)-1; i++ {
		em[i] = 0xFF
	}
	em[emLen-len(t)-1] = 0x00
	copy(em[emLen-len(t):], t)
	return em, nil
}

// SignRSA signs digest (already hashed under alg) with priv, routing
// the private-key arithmetic through rsaPrivateOp (spec §6.2 #23).
func SignRSA(arb *arbiter.Arbiter, priv *rsa.PrivateKey, alg hash.Algorithm, digest []byte) ([]byte, error) {
	algID, ok := hash.DigestAlgorithmID(alg)
	if !ok {
		return nil, herr.New(herr.BadArguments, "pkey.SignRSA", nil)
	}
	k := (priv.N.BitLen() + 7) / 8
	em, err := emsaPKCS1v15(algID, digest, k)
	if err != nil {
		return nil, err
	}
	c := new(big.Int).SetBytes(em)
	if c.Cmp(priv.N) >= 0 {
		return nil, herr.New(herr.BadArguments, "pkey.SignRSA", nil)
	}
	m, err := rsaPrivateOp(arb, priv, c)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, k)
	m.FillBytes(sig)
	return sig, nil
}

// VerifyRSA checks sig over digest (already hashed under alg) against
// pub. Verification is a public-key operation with no confidentiality
// or core-allocation stake, so it goes straight through crypto/rsa
// (spec §6.2 #24).
func VerifyRSA(pub *rsa.PublicKey, alg hash.Algorithm, digest, sig []byte) error {
	ch := cryptoHashFor(alg)
	if ch == 0 {
		return herr.New(herr.BadArguments, "pkey.VerifyRSA", nil)
	}
	if err := rsa.VerifyPKCS1v15(pub, ch, digest, sig); err != nil {
		return herr.New(herr.InvalidSignature, "pkey.VerifyRSA", err)
	}
	return nil
}
