package keystore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore/index"
	"github.com/cryptech/hsmcore/internal/keystore/kcache"
	"github.com/cryptech/hsmcore/internal/keystore/pin"
	"github.com/cryptech/hsmcore/internal/task"
)

// defaultPINIterations is the configured PBKDF2 iteration count (spec
// §4.2.9: "default 2000"); the wire protocol carries no per-call
// iteration count, so every SetPIN uses this fixed value, already
// above the spec's 1000-iteration floor. badPINDelay is the stall a
// failed Login sleeps before returning, run with the store unlocked
// so it only stalls the calling dispatcher task.
const defaultPINIterations = 2000

// badPINDelay is a var, not a const, so tests can shorten it rather
// than actually sleeping 5 seconds per failed-login case.
var badPINDelay = 5 * time.Second

// blockDriver is the minimal interface a backing store must satisfy;
// both tokendriver.Driver and voldriver.Driver implement it by
// structural typing. Defined here rather than as a shared package so
// that either driver package can be imported standalone without
// pulling in the keystore package (spec Design Note "driver embeds
// the hal_ks_t structure at the head" — here it's composition via an
// injected interface rather than C-style struct embedding).
type blockDriver interface {
	Size() int
	Read(blockno uint16) ([]byte, error)
	Write(blockno uint16, buf []byte) error
}

// Store is the boot-reconstructed, crash-recoverable keystore façade
// (spec §4.2), built from a blockDriver plus the in-memory index and
// block cache layered on top. All mutating operations are serialized
// by mu, matching spec §5's "All index/cache mutations are serialized
// by the keystore mutex."
type Store struct {
	mu       sync.Mutex
	driver   blockDriver
	idx      *index.Index
	cache    *kcache.Cache
	owner    map[uint16]uint32 // blockno -> client handle, carried across Update (ks_volatile_copy_owner)
	loggedIn map[pin.User]bool // session-local login state; never persisted
}

// cacheSize is the fixed block-cache slot count (KS_TOKEN_CACHE_SIZE
// in ks_token.c defaults to 4; hsmcore keeps the same default).
const cacheSize = 4

// scannedBlock is one block's classification during the boot scan.
type scannedBlock struct {
	header Header
	name   uuid.UUID
	hasKey bool
}

// tombstoneEntry records a tombstone block set aside during the scan
// for recoverTombstones to resolve once the free list exists.
type tombstoneEntry struct {
	blockno uint16
	name    uuid.UUID
}

// Open performs the boot-time reconstruction scan over driver (spec
// §4.2's index rebuild plus tombstone recovery), grounded on
// hal_ks_init's driver .init callback in ks.c/ks_token.c/ks_volatile.c.
func Open(driver blockDriver) (*Store, error) {
	size := driver.Size()
	s := &Store{
		driver: driver,
		idx:    index.New(size),
		cache:  kcache.New(cacheSize),
		owner:  make(map[uint16]uint32),
	}

	blocks := make([]scannedBlock, size)
	firstErased := -1
	liveCount := 0
	var tombs []tombstoneEntry

	for i := 0; i < size; i++ {
		buf, err := driver.Read(uint16(i))
		if err != nil {
			return nil, herr.New(herr.KeystoreAccess, "keystore.Open", err)
		}
		h, err := verifyAndParse(buf)
		if err != nil {
			// A block that fails CRC/legacy checks is treated as
			// unknown rather than aborting the whole scan, matching
			// ks.c's block_types[i] = HAL_KS_BLOCK_TYPE_UNKNOWN path.
			h = Header{Type: BlockUnknown}
		}
		if h.Type == BlockErased && firstErased < 0 {
			firstErased = i
		}

		var name uuid.UUID
		hasKey := false
		switch h.Type {
		case BlockKey:
			view, err := parseKeyBlock(buf)
			if err != nil {
				return nil, err
			}
			name = view.Name
			hasKey = true
		case BlockPIN:
			name = uuid.UUID{} // all-zero sentinel, per spec §3
			hasKey = true
		}
		blocks[i] = scannedBlock{header: h, name: name, hasKey: hasKey}

		// Only a live key/PIN block joins the index's live prefix
		// directly; a tombstone is set aside for recoverTombstones,
		// which decides whether it is stale or the sole surviving
		// copy once the rest of the index is in place (I4: a name
		// never appears twice in the live prefix, so a tombstone
		// can't simply be folded in alongside a live duplicate).
		switch {
		case hasKey && h.Status == StatusLive:
			s.idx.Names[i] = name
			s.idx.Blocks[liveCount] = uint16(i)
			liveCount++
		case hasKey && h.Status == StatusTombstone:
			tombs = append(tombs, tombstoneEntry{blockno: uint16(i), name: name})
		}
	}
	s.idx.Used = liveCount
	if s.idx.Used > size {
		return nil, herr.New(herr.Impossible, "keystore.Open", nil)
	}

	// Append free-list candidates in the order ks.c prefers: erased
	// blocks, then zeroed blocks starting from the first erased block
	// (wear-leveling continuity across restarts), then unknown blocks,
	// then tombstones (held back above so they land at the free-list
	// tail, ready for recoverTombstones to adopt or discard).
	n := liveCount
	if n < size {
		for i := 0; i < size; i++ {
			if blocks[i].header.Type == BlockErased {
				s.idx.Blocks[n] = uint16(i)
				n++
			}
		}
	}
	if n < size && firstErased >= 0 {
		for i := firstErased; i < size; i++ {
			if blocks[i].header.Type == BlockZeroed {
				s.idx.Blocks[n] = uint16(i)
				n++
			}
		}
		for i := 0; i < firstErased; i++ {
			if blocks[i].header.Type == BlockZeroed {
				s.idx.Blocks[n] = uint16(i)
				n++
			}
		}
	}
	if n < size {
		for i := 0; i < size; i++ {
			if blocks[i].header.Type == BlockUnknown {
				s.idx.Blocks[n] = uint16(i)
				n++
			}
		}
	}
	for _, t := range tombs {
		s.idx.Blocks[n] = t.blockno
		n++
	}
	if n != size {
		return nil, herr.New(herr.Impossible, "keystore.Open", nil)
	}

	if err := sortIndexPrefix(s.idx); err != nil {
		return nil, err
	}

	if err := s.recoverTombstones(tombs); err != nil {
		return nil, err
	}

	return s, nil
}

// sortIndexPrefix sorts the live prefix by UUID (hal_ks_index_heapsort,
// re-expressed as an in-place insertion sort on a rebuild path that
// runs once at boot).
func sortIndexPrefix(idx *index.Index) error {
	prefix := idx.Blocks[:idx.Used]
	// insertion sort: Used is small (on the order of hundreds at most)
	// and this only runs once, at boot.
	for i := 1; i < len(prefix); i++ {
		j := i
		for j > 0 && cmpBlockUUID(idx, prefix[j-1], prefix[j]) > 0 {
			prefix[j-1], prefix[j] = prefix[j], prefix[j-1]
			j--
		}
	}
	return idx.Fsck()
}

func cmpBlockUUID(idx *index.Index, a, b uint16) int {
	ua, ub := idx.Names[a], idx.Names[b]
	for i := range ua {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// recoverTombstones implements spec §4.2's crash-recovery scan
// (grounded on ks.c's tombstone loop in hal_ks_init): for each
// tombstone found, if a live block with the same name already exists
// in the index, the tombstone is stale leftover from a completed
// update and is simply zeroed; otherwise the crash happened between
// deprecate and write, and the tombstone is the only surviving copy,
// so it is promoted back to live in place. Every tombstone block is
// already sitting in the index's free-list tail by the time this
// runs (see Open), so promotion uses AdoptFree rather than Add, which
// would be free to hand back a different block number entirely.
func (s *Store) recoverTombstones(tombs []tombstoneEntry) error {
	for _, t := range tombs {
		if _, err := s.idx.Find(t.name); err == nil {
			// A live copy exists elsewhere; this tombstone is stale.
			if err := s.zeroBlock(t.blockno); err != nil {
				return err
			}
			continue
		}

		// No live copy: restore this block to live status in place.
		buf, err := s.driver.Read(t.blockno)
		if err != nil {
			return herr.New(herr.KeystoreAccess, "keystore.recoverTombstones", err)
		}
		h, err := parseHeader(buf)
		if err != nil {
			return err
		}
		h.Status = StatusLive
		h.put(buf)
		h.CRC = blockCRC(buf)
		h.put(buf)
		if err := s.driver.Write(t.blockno, buf); err != nil {
			return herr.New(herr.KeystoreAccess, "keystore.recoverTombstones", err)
		}
		if err := s.idx.AdoptFree(t.name, t.blockno); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) zeroBlock(blockno uint16) error {
	buf := make([]byte, BlockSize)
	h := Header{Type: BlockZeroed, Status: StatusUnknown, Legacy1: legacyModern[0], Legacy2: legacyModern[1]}
	h.put(buf)
	h.CRC = blockCRC(buf)
	h.put(buf)
	if err := s.driver.Write(blockno, buf); err != nil {
		return herr.New(herr.KeystoreAccess, "keystore.zeroBlock", err)
	}
	s.cache.Invalidate(blockno)
	delete(s.owner, blockno)
	return nil
}

// AddKey stores a brand-new key block under name (spec §8 seed
// scenario 3's "add"). Returns the allocated block number.
func (s *Store) AddKey(name uuid.UUID, keyType KeyType, curve Curve, flags KeyFlags, wrappedDER, attrTLV []byte) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := buildKeyBlock(name, keyType, curve, flags, wrappedDER, attrTLV)
	if err != nil {
		return 0, err
	}
	blockno, err := s.idx.Add(name)
	if err != nil {
		return 0, err
	}
	if err := s.driver.Write(blockno, buf); err != nil {
		return 0, herr.New(herr.KeystoreAccess, "keystore.AddKey", err)
	}
	s.cache.Put(blockno, buf)
	return blockno, nil
}

// FindKey locates name's key block and returns its parsed view (spec
// §8 seed scenario 3's "find").
func (s *Store) FindKey(name uuid.UUID) (keyBlockView, uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockno, err := s.idx.Find(name)
	if err != nil {
		return keyBlockView{}, 0, err
	}
	buf, err := s.readBlock(blockno)
	if err != nil {
		return keyBlockView{}, 0, err
	}
	view, err := parseKeyBlock(buf)
	if err != nil {
		return keyBlockView{}, 0, err
	}
	return view, blockno, nil
}

// FreeBlocks reports how many blocks remain unallocated. Used by
// hashsig's pre-flight capacity check (spec §4.5.1) before committing
// to a key generation that would need many leaf blocks.
func (s *Store) FreeBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Size - s.idx.Used
}

// ListKeys returns the names of every live key block, in index order.
// Used by hashsig's restart-recovery scan (spec §4.5.4) to enumerate
// persisted HSS/LMS/LM-OTS blocks without needing its own copy of the
// live prefix.
func (s *Store) ListKeys() ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]uuid.UUID, s.idx.Used)
	for i := 0; i < s.idx.Used; i++ {
		names[i] = s.idx.Names[s.idx.Blocks[i]]
	}
	return names, nil
}

// DeleteKey removes name from the store entirely (spec §8 seed
// scenario 3's "delete").
func (s *Store) DeleteKey(name uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockno, err := s.idx.Delete(name)
	if err != nil {
		return err
	}
	return s.zeroBlock(blockno)
}

// UpdateKey rewrites name's key block with new content via the
// crash-atomic tombstone sequence (spec §5).
func (s *Store) UpdateKey(name uuid.UUID, keyType KeyType, curve Curve, flags KeyFlags, wrappedDER, attrTLV []byte) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newBuf, err := buildKeyBlock(name, keyType, curve, flags, wrappedDER, attrTLV)
	if err != nil {
		return 0, err
	}
	return s.replaceBlock(name, newBuf)
}

// replaceBlock runs the crash-atomic tombstone sequence from
// hal_ks_block_update: deprecate the old block, claim a fresh block
// number for the same name, write newBuf there live, carry over
// client ownership, then zero the old block. This exact order must be
// preserved — at every step in between, a consistent view of the
// store exists modulo the tombstone (spec §5). Both UpdateKey and the
// PIN-block setters share this, since a PIN block is updated under
// the identical discipline (spec §4.2.9: "updates the PIN block via
// the tombstone sequence").
func (s *Store) replaceBlock(name uuid.UUID, newBuf []byte) (uint16, error) {
	b1, err := s.idx.Find(name)
	if err != nil {
		return 0, err
	}

	// 1. Deprecate: mark the current block a tombstone in place.
	old, err := s.readBlock(b1)
	if err != nil {
		return 0, err
	}
	h, err := parseHeader(old)
	if err != nil {
		return 0, err
	}
	h.Status = StatusTombstone
	h.put(old)
	h.CRC = blockCRC(old)
	h.put(old)
	if err := s.driver.Write(b1, old); err != nil {
		return 0, herr.New(herr.KeystoreAccess, "keystore.replaceBlock", err)
	}
	s.cache.Invalidate(b1)

	// 2. Claim a fresh block number for the same name.
	b2, err := s.idx.Replace(name)
	if err != nil {
		return 0, err
	}

	// 3. Write the new content to the fresh block, live.
	if err := s.driver.Write(b2, newBuf); err != nil {
		return 0, herr.New(herr.KeystoreAccess, "keystore.replaceBlock", err)
	}

	// 4. Carry over client ownership (ks_volatile_copy_owner).
	if owner, ok := s.owner[b1]; ok {
		s.owner[b2] = owner
	}

	// 5. Zero the old (now-tombstoned) block.
	if err := s.zeroBlock(b1); err != nil {
		return 0, err
	}

	s.cache.Put(b2, newBuf)
	return b2, nil
}

// readPINBlock locates and parses the well-known PIN block.
func (s *Store) readPINBlock() (pinBlockView, uint16, error) {
	blockno, err := s.idx.Find(pinBlockName)
	if err != nil {
		return pinBlockView{}, 0, err
	}
	buf, err := s.readBlock(blockno)
	if err != nil {
		return pinBlockView{}, 0, err
	}
	view, err := parsePINBlock(buf)
	return view, blockno, err
}

// ensurePINBlock returns the PIN block, creating a fresh one (empty
// user/SO PINs, wheel PIN falling back to the last-gasp constant) if
// none exists yet (spec §4.2.9: "read on startup; if absent, a fresh
// block is created").
func (s *Store) ensurePINBlock() (pinBlockView, uint16, error) {
	view, blockno, err := s.readPINBlock()
	if err == nil {
		return view, blockno, nil
	}
	if herr.CodeOf(err) != herr.KeyNotFound {
		return pinBlockView{}, 0, err
	}

	buf, err := buildPINBlock(pin.Record{}, pin.Record{}, pin.Record{}, nil, false)
	if err != nil {
		return pinBlockView{}, 0, err
	}
	blockno, err = s.idx.Add(pinBlockName)
	if err != nil {
		return pinBlockView{}, 0, err
	}
	if err := s.driver.Write(blockno, buf); err != nil {
		return pinBlockView{}, 0, herr.New(herr.KeystoreAccess, "keystore.ensurePINBlock", err)
	}
	s.cache.Put(blockno, buf)
	view, err = parsePINBlock(buf)
	return view, blockno, err
}

func (s *Store) updatePINBlock(view pinBlockView) (uint16, error) {
	buf, err := buildPINBlock(view.Wheel, view.SO, view.User, view.KEK, view.KEKPresent)
	if err != nil {
		return 0, err
	}
	return s.replaceBlock(pinBlockName, buf)
}

// SetPIN derives a fresh PBKDF2 record for user's PIN at the
// configured iteration count and persists it via the tombstone
// sequence (hal_rpc_set_pin, spec §4.2.9; the wire protocol carries no
// iteration count, so defaultPINIterations applies uniformly).
func (s *Store) SetPIN(user pin.User, pinBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := pin.NewRecord(pinBytes, defaultPINIterations)
	if err != nil {
		return err
	}

	view, _, err := s.ensurePINBlock()
	if err != nil {
		return err
	}
	switch user {
	case pin.UserWheel:
		view.Wheel = rec
	case pin.UserSO:
		view.SO = rec
	case pin.UserNormal:
		view.User = rec
	default:
		return herr.New(herr.BadArguments, "keystore.SetPIN", nil)
	}
	_, err = s.updatePINBlock(view)
	return err
}

// Login verifies candidate against user's stored PIN record (or the
// firmware's last-gasp constant, for an unset wheel PIN), sleeping
// badPINDelay before reporting a mismatch (hal_rpc_login, spec
// §4.2.9). The store mutex is released for the sleep so a bad PIN on
// one dispatcher task doesn't stall the others.
func (s *Store) Login(user pin.User, candidate []byte) error {
	s.mu.Lock()
	view, _, err := s.ensurePINBlock()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var rec pin.Record
	switch user {
	case pin.UserWheel:
		rec = view.Wheel
	case pin.UserSO:
		rec = view.SO
	case pin.UserNormal:
		rec = view.User
	default:
		s.mu.Unlock()
		return herr.New(herr.BadArguments, "keystore.Login", nil)
	}
	s.mu.Unlock()

	ok := false
	switch {
	case rec.Iterations != 0:
		ok = rec.Verify(candidate)
	case user == pin.UserWheel:
		ok = pin.VerifyLastGasp(candidate)
	}
	if !ok {
		task.Yield()
		time.Sleep(badPINDelay)
		return herr.New(herr.PINIncorrect, "keystore.Login", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn == nil {
		s.loggedIn = make(map[pin.User]bool)
	}
	s.loggedIn[user] = true
	return nil
}

// Logout clears user's session-local login state.
func (s *Store) Logout(user pin.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.loggedIn, user)
}

// LogoutAll clears every user's session-local login state
// (hal_rpc_logout_all, called e.g. on client disconnect).
func (s *Store) LogoutAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = make(map[pin.User]bool)
}

// IsLoggedIn reports whether user has an active login session.
func (s *Store) IsLoggedIn(user pin.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn[user]
}

// SetKEK persists a 32-byte backup key-encryption-key in the PIN
// block's optional slot (spec §4.2.9's "flash-backup-KEK kludge").
func (s *Store) SetKEK(kek []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(kek) != kekSize {
		return herr.New(herr.BadArguments, "keystore.SetKEK", nil)
	}
	view, _, err := s.ensurePINBlock()
	if err != nil {
		return err
	}
	view.KEKPresent = true
	view.KEK = append([]byte(nil), kek...)
	_, err = s.updatePINBlock(view)
	return err
}

// GetKEK returns the persisted backup KEK, or a masterkey-not-set
// error if the slot has never been populated.
func (s *Store) GetKEK() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, _, err := s.ensurePINBlock()
	if err != nil {
		return nil, err
	}
	if !view.KEKPresent {
		return nil, herr.New(herr.MasterkeyNotSet, "keystore.GetKEK", nil)
	}
	return append([]byte(nil), view.KEK...), nil
}

// EraseKEK clears the backup KEK slot.
func (s *Store) EraseKEK() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, _, err := s.ensurePINBlock()
	if err != nil {
		return err
	}
	view.KEKPresent = false
	view.KEK = nil
	_, err = s.updatePINBlock(view)
	return err
}

func (s *Store) readBlock(blockno uint16) ([]byte, error) {
	if buf, ok := s.cache.Get(blockno); ok {
		return buf, nil
	}
	buf, err := s.driver.Read(blockno)
	if err != nil {
		return nil, herr.New(herr.KeystoreAccess, "keystore.readBlock", err)
	}
	if _, err := verifyAndParse(buf); err != nil {
		return nil, err
	}
	s.cache.Put(blockno, buf)
	return buf, nil
}
