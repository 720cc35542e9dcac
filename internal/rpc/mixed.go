package rpc

import (
	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
)

// MixedClient is the "mixed" dispatch regime (spec §4.6): hashing runs
// locally against internal/hash instead of crossing the wire through a
// HASH_INITIALIZE/UPDATE/FINALIZE handle, and PKEY_SIGN/PKEY_VERIFY are
// called with hash=NoHandle so the server treats input as an
// already-complete digest (or, for RSA, a PKCS#1 DigestInfo). Grounded
// in rpc_pkcs1.c's hal_rpc_pkcs1_construct_digestinfo, the only piece
// of libhal that builds a DigestInfo outside the RPC boundary.
type MixedClient struct {
	*Client
}

// NewMixedClient wraps an already-connected Client.
func NewMixedClient(c *Client) *MixedClient {
	return &MixedClient{Client: c}
}

// Sign hashes message locally under alg and signs it through handle
// without allocating a server-side hash handle. keyType picks the
// DigestInfo-wrapping RSA path versus the bare-digest EC path, mirroring
// PKEY_SIGN's two input shapes (spec §6.2 #23).
func (m *MixedClient) Sign(handle uint32, keyType keystore.KeyType, alg hash.Algorithm, message []byte, max uint32) ([]byte, error) {
	input, err := mixedSignInput(keyType, alg, message)
	if err != nil {
		return nil, err
	}
	return m.PKeySign(handle, NoHandle, input, max)
}

// Verify mirrors Sign for PKEY_VERIFY (spec §6.2 #24).
func (m *MixedClient) Verify(handle uint32, keyType keystore.KeyType, alg hash.Algorithm, message, sig []byte) error {
	input, err := mixedSignInput(keyType, alg, message)
	if err != nil {
		return err
	}
	return m.PKeyVerify(handle, NoHandle, input, sig)
}

// mixedSignInput builds the bytes PKEY_SIGN/PKEY_VERIFY expect in the
// raw regime: a PKCS#1 DigestInfo for RSA keys, a bare digest for
// everything else (EC and hash-based signatures alike, per
// pkey.SignRawEC/pkey.VerifyRawEC's plain-digest contract).
func mixedSignInput(keyType keystore.KeyType, alg hash.Algorithm, message []byte) ([]byte, error) {
	digest, err := hash.Sum(alg, message)
	if err != nil {
		return nil, err
	}
	if keyType != keystore.KeyTypeRSAPrivate {
		return digest, nil
	}
	return constructDigestInfo(alg, digest)
}

// constructDigestInfo builds the DER SEQUENCE { AlgorithmIdentifier,
// OCTET STRING digest } PKCS#1 v1.5 RSA signing expects, following
// hal_rpc_pkcs1_construct_digestinfo's inline ASN.1 byte-by-byte.
func constructDigestInfo(alg hash.Algorithm, digest []byte) ([]byte, error) {
	algID, ok := hash.DigestAlgorithmID(alg)
	if !ok {
		return nil, herr.New(herr.BadArguments, "rpc.constructDigestInfo", nil)
	}

	total := len(digest) + len(algID) + 4
	if total >= 130 {
		return nil, herr.New(herr.ResultTooLong, "rpc.constructDigestInfo", nil)
	}

	out := make([]byte, 0, total)
	out = append(out, 0x30, byte(total-2)) // SEQUENCE
	out = append(out, algID...)
	out = append(out, 0x04, byte(len(digest))) // OCTET STRING
	out = append(out, digest...)
	return out, nil
}
