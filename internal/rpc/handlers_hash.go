package rpc

import (
	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// handleHashGetDigestLen implements HASH_GET_DIGEST_LEN (spec §6.2 #7).
func handleHashGetDigestLen(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	alg, err := d.Int()
	if err != nil {
		return err
	}
	length, ok := hash.DigestLen(hash.Algorithm(alg))
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handleHashGetDigestLen", nil)
	}
	e.Int(uint32(length))
	return nil
}

// handleHashGetDigestAlgorithmID implements HASH_GET_DIGEST_ALGORITHM_ID
// (spec §6.2 #8): the DER AlgorithmIdentifier used when a Mixed-regime
// client builds a PKCS#1 DigestInfo locally.
func handleHashGetDigestAlgorithmID(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	alg, err := d.Int()
	if err != nil {
		return err
	}
	max, err := d.Int()
	if err != nil {
		return err
	}
	id, ok := hash.DigestAlgorithmID(hash.Algorithm(alg))
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handleHashGetDigestAlgorithmID", nil)
	}
	if uint32(len(id)) > max {
		return herr.New(herr.ResultTooLong, "rpc.handleHashGetDigestAlgorithmID", nil)
	}
	e.VariableOpaque(id)
	return nil
}

// handleHashGetAlgorithm implements HASH_GET_ALGORITHM (spec §6.2 #9).
func handleHashGetAlgorithm(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	h, ok := s.getHash(handle)
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handleHashGetAlgorithm", nil)
	}
	e.Int(uint32(h.alg))
	return nil
}

// handleHashInitialize implements HASH_INITIALIZE (spec §6.2 #10). A
// non-empty key switches to HMAC per spec §4.3: the handle then holds a
// streaming HMAC state, and callers use Update/Finalize on it exactly
// as for a plain digest, with the key folded in at Initialize time.
func handleHashInitialize(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	alg, err := d.Int()
	if err != nil {
		return err
	}
	key, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	a := hash.Algorithm(alg)
	if len(key) > 0 {
		hm, err := hash.HMACInitialize(s.Arb, a, key)
		if err != nil {
			return err
		}
		handle := s.putHash(&hashHandle{alg: a, state: nil})
		s.mu.Lock()
		s.hashes[handle].hmac = hm
		s.mu.Unlock()
		e.Int(handle)
		return nil
	}
	st, err := hash.Initialize(s.Arb, a)
	if err != nil {
		return err
	}
	handle := s.putHash(&hashHandle{alg: a, state: st})
	e.Int(handle)
	return nil
}

// handleHashUpdate implements HASH_UPDATE (spec §6.2 #11).
func handleHashUpdate(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	data, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	h, ok := s.getHash(handle)
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handleHashUpdate", nil)
	}
	if h.hmac != nil {
		return h.hmac.Update(data)
	}
	return h.state.Update(data)
}

// handleHashFinalize implements HASH_FINALIZE (spec §6.2 #12),
// releasing the handle whether or not the digest fits in length.
func handleHashFinalize(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	length, err := d.Int()
	if err != nil {
		return err
	}
	h, ok := s.getHash(handle)
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handleHashFinalize", nil)
	}
	defer s.dropHash(handle)

	var digest []byte
	if h.hmac != nil {
		digest, err = h.hmac.Finalize()
	} else {
		digest, err = h.state.Finalize()
	}
	if err != nil {
		return err
	}
	if uint32(len(digest)) > length {
		digest = digest[:length]
	}
	e.VariableOpaque(digest)
	return nil
}
