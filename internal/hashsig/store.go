package hashsig

import (
	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/slip"
)

// Store is the keystore-backed HSS key manager (spec §4.5.1, §4.5.4).
// Only the level-0 LMS tree is ever written to durable blocks — its
// public key is the HSS identity and must never change — one keystore
// block per LM-OTS leaf plus one metadata block for the tree, plus one
// small wrapper block recording the HSS parameters. Levels 1..L-1 live
// only in active, in volatile memory: GenerateKey builds them, Recover
// regenerates them at startup, and Sign's exhaustion-driven
// regeneration replaces them when they run out.
type Store struct {
	store  *keystore.Store
	active map[uuid.UUID]*PrivateKey
	ready  bool
}

// NewStore wraps store, blocking all operations until Recover runs
// (spec §4.5.4: "until this task completes, all HSS operations return
// not-ready").
func NewStore(store *keystore.Store) *Store {
	return &Store{store: store, active: make(map[uuid.UUID]*PrivateKey)}
}

// leafBlockOverhead approximates the key block header and TLV
// framing around the wrapped LM-OTS private key, so the pre-flight
// check in GenerateKey has margin rather than comparing against the
// raw BlockSize (spec §4.5.1 "reject if the LM-OTS private key does
// not fit in a keystore block").
const leafBlockOverhead = 64

// GenerateKey implements key generation (spec §4.5.1): builds all L
// LMS levels, signs each non-root level's public key with its parent,
// and persists only level 0 (wrapper record, tree metadata, and one
// block per leaf) to the durable keystore.
func (s *Store) GenerateKey(l int, lmsType LMSType, otsType LMOTSType, flags keystore.KeyFlags) (uuid.UUID, error) {
	if !s.ready {
		return uuid.UUID{}, herr.New(herr.NotReady, "hashsig.Store.GenerateKey", nil)
	}
	if l < 1 || l > 8 {
		return uuid.UUID{}, herr.New(herr.BadArguments, "hashsig.Store.GenerateKey", nil)
	}
	h, err := lmsType.height()
	if err != nil {
		return uuid.UUID{}, err
	}
	if otsType.PrivateKeyLen()+leafBlockOverhead > keystore.BlockSize {
		return uuid.UUID{}, herr.New(herr.ResultTooLong, "hashsig.Store.GenerateKey", nil)
	}
	// Assembled HSS signature: u32(Nspk), L LMS signatures, and L-1
	// signed child public keys (see EncodeHSSSignature).
	sigLen := 4 + l*lmsType.SignatureLen(otsType) + (l-1)*lmsType.PublicKeyLen()
	if sigLen > slip.DefaultMaxPacket {
		return uuid.UUID{}, herr.New(herr.ResultTooLong, "hashsig.Store.GenerateKey", nil)
	}
	// One block per level-0 leaf plus one metadata block plus one
	// wrapper block; levels 1..L-1 never touch the keystore (they are
	// volatile), but spec §4.5.1's "(L-1)*(2^h+1) free blocks" budget
	// for them is still honored here as a conservative admission
	// check against this store's free list, since hashsig has no
	// separate volatile keystore of its own to size independently.
	n := 1 << uint(h)
	needed := n + 2 + (l-1)*(n+1)
	if s.store.FreeBlocks() < needed {
		return uuid.UUID{}, herr.New(herr.NoKeyIndexSlots, "hashsig.Store.GenerateKey", nil)
	}

	key, err := GenerateHSSPrivateKey(l, lmsType, otsType)
	if err != nil {
		return uuid.UUID{}, err
	}

	name := uuid.New()
	if err := s.persistLevel0(name, key, flags); err != nil {
		return uuid.UUID{}, err
	}
	s.active[name] = key
	return name, nil
}

// persistLevel0 writes the wrapper block, the level-0 tree metadata
// block, and one block per LM-OTS leaf (spec §4.5.1 step 3).
func (s *Store) persistLevel0(name uuid.UUID, key *PrivateKey, flags keystore.KeyFlags) error {
	top := key.Levels[0]
	h, err := top.Type.height()
	if err != nil {
		return err
	}
	n := 1 << uint(h)

	leafNames := make([]uuid.UUID, n)
	for q := 0; q < n; q++ {
		leafName := uuid.New()
		der := encodeLMOTSPrivate(top.Leaves[q])
		if _, err := s.store.AddKey(leafName, keystore.KeyTypeHashsigLMOTS, keystore.CurveNone, flags, der, nil); err != nil {
			return err
		}
		leafNames[q] = leafName
	}

	pub, err := top.PublicKey()
	if err != nil {
		return err
	}
	lmsDER := encodeLMSMetadata(top, leafNames)
	lmsName := uuid.New()
	if _, err := s.store.AddKey(lmsName, keystore.KeyTypeHashsigLMS, keystore.CurveNone, flags, lmsDER, nil); err != nil {
		return err
	}

	wrapperDER := encodeHSSWrapper(key.L, key.LmsType, key.OtsType, pub, lmsName)
	if _, err := s.store.AddKey(name, keystore.KeyTypeHashsigPrivate, keystore.CurveNone, flags, wrapperDER, nil); err != nil {
		return err
	}
	return nil
}

// Sign implements HSS signing (spec §4.5.2): consumes one bottom-level
// leaf, persisting the level-0 tree's advanced counter (its metadata
// block, every leaf block and the wrapper) via the tombstone-update
// sequence before releasing the signature. Level 0 itself is never
// regenerated: once it is exhausted, signing fails.
func (s *Store) Sign(name uuid.UUID, msg []byte) (*Signature, error) {
	if !s.ready {
		return nil, herr.New(herr.NotReady, "hashsig.Store.Sign", nil)
	}
	key, ok := s.active[name]
	if !ok {
		return nil, herr.New(herr.KeyNotFound, "hashsig.Store.Sign", nil)
	}

	topQBefore := key.Levels[0].Q

	sig, err := key.Sign(msg)
	if err != nil {
		return nil, err
	}

	// Level 0's q only advances when L==1 (it is also the bottom
	// level) or when an exhaustion below it made it sign a regenerated
	// level-1 public key; either way, if its
	// state changed, the persisted tree must be rewritten before this
	// signature is considered valid.
	if key.Levels[0].Q != topQBefore {
		if err := s.rewriteLevel0(name, key); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

// rewriteLevel0 replaces the level-0 tree metadata and every leaf
// block via the keystore's tombstone-update sequence, matching spec
// §4.5.2's "persist the LMS key before releasing the signature."
func (s *Store) rewriteLevel0(name uuid.UUID, key *PrivateKey) error {
	view, _, err := s.store.FindKey(name)
	if err != nil {
		return err
	}
	wrapper, err := decodeHSSWrapper(view.WrappedDER)
	if err != nil {
		return err
	}

	top := key.Levels[0]
	h, err := top.Type.height()
	if err != nil {
		return err
	}
	n := 1 << uint(h)

	lmsView, _, err := s.store.FindKey(wrapper.lmsName)
	if err != nil {
		return err
	}
	oldMeta, err := decodeLMSMetadata(lmsView.WrappedDER)
	if err != nil {
		return err
	}

	leafNames := make([]uuid.UUID, n)
	for q := 0; q < n; q++ {
		der := encodeLMOTSPrivate(top.Leaves[q])
		if q < len(oldMeta.leafNames) && oldMeta.leafNames[q] != (uuid.UUID{}) {
			if _, err := s.store.UpdateKey(oldMeta.leafNames[q], keystore.KeyTypeHashsigLMOTS, keystore.CurveNone, lmsView.Flags, der, nil); err != nil {
				return err
			}
			leafNames[q] = oldMeta.leafNames[q]
		} else {
			leafName := uuid.New()
			if _, err := s.store.AddKey(leafName, keystore.KeyTypeHashsigLMOTS, keystore.CurveNone, lmsView.Flags, der, nil); err != nil {
				return err
			}
			leafNames[q] = leafName
		}
	}

	lmsDER := encodeLMSMetadata(top, leafNames)
	if _, err := s.store.UpdateKey(wrapper.lmsName, keystore.KeyTypeHashsigLMS, keystore.CurveNone, lmsView.Flags, lmsDER, nil); err != nil {
		return err
	}

	pub, err := top.PublicKey()
	if err != nil {
		return err
	}
	wrapperDER := encodeHSSWrapper(key.L, key.LmsType, key.OtsType, pub, wrapper.lmsName)
	if _, err := s.store.UpdateKey(name, keystore.KeyTypeHashsigPrivate, keystore.CurveNone, view.Flags, wrapperDER, nil); err != nil {
		return err
	}
	return nil
}

// PublicKey returns the HSS public key for an active key.
func (s *Store) PublicKey(name uuid.UUID) (PublicKey, error) {
	if !s.ready {
		return PublicKey{}, herr.New(herr.NotReady, "hashsig.Store.PublicKey", nil)
	}
	key, ok := s.active[name]
	if !ok {
		return PublicKey{}, herr.New(herr.KeyNotFound, "hashsig.Store.PublicKey", nil)
	}
	return key.PublicKey()
}

// Delete removes an HSS key and every durable block it owns.
func (s *Store) Delete(name uuid.UUID) error {
	if !s.ready {
		return herr.New(herr.NotReady, "hashsig.Store.Delete", nil)
	}
	view, _, err := s.store.FindKey(name)
	if err != nil {
		return err
	}
	wrapper, err := decodeHSSWrapper(view.WrappedDER)
	if err != nil {
		return err
	}
	lmsView, _, err := s.store.FindKey(wrapper.lmsName)
	if err == nil {
		meta, err := decodeLMSMetadata(lmsView.WrappedDER)
		if err == nil {
			for _, leafName := range meta.leafNames {
				if leafName != (uuid.UUID{}) {
					_ = s.store.DeleteKey(leafName)
				}
			}
		}
		_ = s.store.DeleteKey(wrapper.lmsName)
	}
	delete(s.active, name)
	return s.store.DeleteKey(name)
}

// Recover implements restart recovery (spec §4.5.4): enumerate every
// persistent HSS wrapper, reattach its level-0 LM-OTS leaves, and
// regenerate levels 1..L-1 into volatile memory (spec line 65: "Levels
// 1..L-1 are transient, regenerated on boot"). Regenerating the chain
// consumes one level-0 leaf to re-sign level 1's fresh public key, so
// the advanced counter is persisted immediately, before the key is
// marked active. HSS keys whose level-0 leaf set is incomplete are
// unrecoverable and deleted (spec §4.5.4 step 4). Once Recover
// returns, s.ready is set and all other methods stop returning
// not-ready.
func (s *Store) Recover() error {
	names, err := s.store.ListKeys()
	if err != nil {
		return err
	}

	var wrapperNames []uuid.UUID
	for _, name := range names {
		view, _, err := s.store.FindKey(name)
		if err != nil {
			continue
		}
		if view.Type == keystore.KeyTypeHashsigPrivate {
			wrapperNames = append(wrapperNames, name)
		}
	}

	for _, name := range wrapperNames {
		key, incomplete, err := s.recoverOne(name)
		if err != nil {
			return err
		}
		if incomplete {
			_ = s.Delete(name)
			continue
		}
		if key.L > 1 {
			if err := s.rewriteLevel0(name, key); err != nil {
				return err
			}
		}
		s.active[name] = key
	}

	s.ready = true
	return nil
}

// recoverOne rebuilds one HSS key's level-0 LMS tree from its
// persisted wrapper, metadata, and leaf blocks, then regenerates a
// fresh volatile chain for levels 1..L-1 signed down from level 0.
func (s *Store) recoverOne(name uuid.UUID) (key *PrivateKey, incomplete bool, err error) {
	view, _, err := s.store.FindKey(name)
	if err != nil {
		return nil, false, err
	}
	wrapper, err := decodeHSSWrapper(view.WrappedDER)
	if err != nil {
		return nil, false, err
	}

	lmsView, _, err := s.store.FindKey(wrapper.lmsName)
	if err != nil {
		return nil, true, nil
	}
	meta, err := decodeLMSMetadata(lmsView.WrappedDER)
	if err != nil {
		return nil, true, nil
	}

	h, err := meta.lmsType.height()
	if err != nil {
		return nil, true, nil
	}
	n := 1 << uint(h)
	if len(meta.leafNames) != n {
		return nil, true, nil
	}

	leaves := make([]*LMOTSPrivateKey, n)
	for q, leafName := range meta.leafNames {
		if leafName == (uuid.UUID{}) {
			return nil, true, nil
		}
		leafView, _, err := s.store.FindKey(leafName)
		if err != nil {
			return nil, true, nil
		}
		leaf, err := decodeLMOTSPrivate(leafView.WrappedDER)
		if err != nil {
			return nil, true, nil
		}
		if leaf.Type != meta.otsType || leaf.I != meta.i || leaf.Q != uint32(q) {
			return nil, true, nil
		}
		leaves[q] = leaf
	}

	top := &LMSPrivateKey{Type: meta.lmsType, OtsType: meta.otsType, I: meta.i, Q: meta.q, Leaves: leaves}
	if _, err := top.PublicKey(); err != nil {
		return nil, true, nil
	}

	levels := make([]*LMSPrivateKey, wrapper.l)
	levels[0] = top
	for i := 1; i < wrapper.l; i++ {
		fresh, err := GenerateLMSPrivateKey(wrapper.lmsType, wrapper.otsType)
		if err != nil {
			return nil, false, err
		}
		levels[i] = fresh
	}
	signed, err := signChain(levels, 0)
	if err != nil {
		return nil, false, err
	}

	return &PrivateKey{L: wrapper.l, LmsType: wrapper.lmsType, OtsType: wrapper.otsType, Levels: levels, SignedPub: signed}, false, nil
}
