// Package keystore implements the flash-backed key/PIN store (spec
// §3, §4.2, §6.3), grounded on original_source/sw/libhal/ks.c,
// ks_token.c, and ks_volatile.c. A Store is backed by a pluggable
// BlockDriver — tokendriver for the persistent (flash-like) keystore,
// voldriver for the volatile (RAM-slot) one — and layers the index,
// block cache, and attribute TLV area on top.
package keystore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore/pin"
)

// BlockSize is the fixed on-disk block size (spec §6.3: "Block size:
// 8,192 bytes"). The original's HAL_KS_BLOCK_SIZE of 4096*2 bytes is
// the same value; hsmcore names the constant directly in decimal per
// the spec text.
const BlockSize = 8192

// BlockType is the block header's block_type byte (spec §3).
type BlockType byte

const (
	BlockErased  BlockType = 0xFF
	BlockZeroed  BlockType = 0x00
	BlockKey     BlockType = 0x55
	BlockPIN     BlockType = 0xAA
	BlockUnknown BlockType = 0x01 // never written; used internally for "couldn't classify"
)

// BlockStatus is the block header's block_status byte.
type BlockStatus byte

const (
	StatusLive      BlockStatus = 0x66
	StatusTombstone BlockStatus = 0x44
	StatusUnknown   BlockStatus = 0x01
)

// headerSize is {block_type, block_status, legacy_1, legacy_2, crc32}.
const headerSize = 8

// Legacy byte pairs accepted for CRC backward compatibility (spec
// §6.3: "checked for CRC compat").
var (
	legacyModern = [2]byte{0xFF, 0xFF}
	legacyOld    = [2]byte{0x01, 0x00}
)

// Header is the common 8-byte prefix of every block (spec §3
// "Keystore block ... Header fields").
type Header struct {
	Type    BlockType
	Status  BlockStatus
	Legacy1 byte
	Legacy2 byte
	CRC     uint32
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, herr.New(herr.KeystoreBadBlockType, "keystore.parseHeader", nil)
	}
	h := Header{
		Type:    BlockType(buf[0]),
		Status:  BlockStatus(buf[1]),
		Legacy1: buf[2],
		Legacy2: buf[3],
		CRC:     binary.BigEndian.Uint32(buf[4:8]),
	}
	return h, nil
}

func (h Header) legacyOK() bool {
	return (h.Legacy1 == legacyModern[0] && h.Legacy2 == legacyModern[1]) ||
		(h.Legacy1 == legacyOld[0] && h.Legacy2 == legacyOld[1])
}

func (h Header) put(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	buf[2] = h.Legacy1
	buf[3] = h.Legacy2
	binary.BigEndian.PutUint32(buf[4:8], h.CRC)
}

// blockCRC computes the CRC32 of block minus the CRC field itself
// (spec §6.3: "CRC is over the block minus the CRC field ... and
// minus the two legacy bytes at construction time (they are included
// in the CRC ...)"). The legacy bytes ARE included per the source's
// hal_ks_block_calculate_crc, which folds block_type, legacy_1,
// legacy_2, then the remainder of the block after the header.
func blockCRC(buf []byte) uint32 {
	c := crc32.NewIEEE()
	c.Write(buf[0:1])        // block_type
	c.Write(buf[2:3])        // legacy_1
	c.Write(buf[3:4])        // legacy_2
	c.Write(buf[headerSize:]) // everything after the header
	return c.Sum32()
}

// newBlock allocates a zeroed block buffer with type and status
// stamped in and a freshly computed CRC, ready for BlockDriver.Write.
func newBlock(typ BlockType, status BlockStatus) []byte {
	buf := make([]byte, BlockSize)
	h := Header{Type: typ, Status: status, Legacy1: legacyModern[0], Legacy2: legacyModern[1]}
	h.put(buf)
	h.CRC = blockCRC(buf)
	h.put(buf)
	return buf
}

// verifyAndParse checks a block's CRC and legacy bytes, returning its
// header (spec §7 "keystore-bad-crc").
func verifyAndParse(buf []byte) (Header, error) {
	if len(buf) != BlockSize {
		return Header{}, herr.New(herr.KeystoreBadBlockType, "keystore.verifyAndParse", nil)
	}
	h, err := parseHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Type == BlockErased {
		return h, nil
	}
	if !h.legacyOK() {
		return Header{}, herr.New(herr.KeystoreBadBlockType, "keystore.verifyAndParse", nil)
	}
	if blockCRC(buf) != h.CRC {
		return Header{}, herr.New(herr.KeystoreBadCRC, "keystore.verifyAndParse", nil)
	}
	return h, nil
}

// keyBlockLayout describes the fixed-offset fields of a key block
// (spec §3 "A key block further holds ..."); der and attribute bytes
// follow immediately after at a variable offset.
//
//	[0:8]    header
//	[8:24]   name (UUID)
//	[24:25]  key type
//	[25:26]  curve
//	[26:28]  flags (u16)
//	[28:32]  der_len (u32)
//	[32:34]  attributes_len (u16)
//	[34:]    der_len bytes of wrapped DER, then TLV attributes
const keyBlockDataOffset = 34

func buildKeyBlock(name uuid.UUID, keyType KeyType, curve Curve, flags KeyFlags, wrappedDER, attrTLV []byte) ([]byte, error) {
	if keyBlockDataOffset+len(wrappedDER)+len(attrTLV) > BlockSize {
		return nil, herr.New(herr.ResultTooLong, "keystore.buildKeyBlock", nil)
	}
	buf := newBlock(BlockKey, StatusLive)
	copy(buf[8:24], name[:])
	buf[24] = byte(keyType)
	buf[25] = byte(curve)
	binary.BigEndian.PutUint16(buf[26:28], uint16(flags))
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(wrappedDER)))
	binary.BigEndian.PutUint16(buf[32:34], uint16(len(attrTLV)))
	copy(buf[keyBlockDataOffset:], wrappedDER)
	copy(buf[keyBlockDataOffset+len(wrappedDER):], attrTLV)

	h, _ := parseHeader(buf)
	h.CRC = blockCRC(buf)
	h.put(buf)
	return buf, nil
}

// keyBlockView is the parsed, read-only view of a key block used by
// Store operations.
type keyBlockView struct {
	Name       uuid.UUID
	Type       KeyType
	Curve      Curve
	Flags      KeyFlags
	WrappedDER []byte
	AttrTLV    []byte
}

func parseKeyBlock(buf []byte) (keyBlockView, error) {
	if len(buf) < keyBlockDataOffset {
		return keyBlockView{}, herr.New(herr.KeystoreWrongBlockType, "keystore.parseKeyBlock", nil)
	}
	var name uuid.UUID
	copy(name[:], buf[8:24])
	derLen := int(binary.BigEndian.Uint32(buf[28:32]))
	attrLen := int(binary.BigEndian.Uint16(buf[32:34]))
	if keyBlockDataOffset+derLen+attrLen > len(buf) {
		return keyBlockView{}, herr.New(herr.KeystoreLostData, "keystore.parseKeyBlock", nil)
	}
	return keyBlockView{
		Name:       name,
		Type:       KeyType(buf[24]),
		Curve:      Curve(buf[25]),
		Flags:      KeyFlags(binary.BigEndian.Uint16(buf[26:28])),
		WrappedDER: append([]byte(nil), buf[keyBlockDataOffset:keyBlockDataOffset+derLen]...),
		AttrTLV:    append([]byte(nil), buf[keyBlockDataOffset+derLen:keyBlockDataOffset+derLen+attrLen]...),
	}, nil
}

// KeyType enumerates the key kinds the store can hold (spec §3 "Key type").
type KeyType byte

const (
	KeyTypeRSAPrivate KeyType = iota
	KeyTypeRSAPublic
	KeyTypeECPrivate
	KeyTypeECPublic
	KeyTypeHashsigPrivate
	KeyTypeHashsigPublic
	KeyTypeHashsigLMS
	KeyTypeHashsigLMOTS
)

// Curve enumerates the supported EC curves (spec §3 "Curve").
type Curve byte

const (
	CurveNone Curve = iota
	CurveP256
	CurveP384
	CurveP521
)

// KeyFlags is the bitmap of per-key flags (spec §3 "Flag bits").
type KeyFlags uint16

const (
	FlagUsageDigitalSignature KeyFlags = 1 << iota
	FlagUsageKeyEncipherment
	FlagUsageDataEncipherment
	FlagToken // persistent (token) vs. volatile
	FlagPublic
	FlagExportable
)

// pinBlockName is the PIN block's well-known all-zero UUID, which
// binary-searches to index position 0 (spec §4.2.9).
var pinBlockName = uuid.UUID{}

// pinRecordSize is {iterations:u32, salt:16B, hash:64B} on the wire.
const pinRecordSize = 4 + 16 + 64

// pinBlockLayout describes a PIN block's fixed-offset fields (spec §3
// "A PIN block holds three {iterations,salt,hash} triples (wheel/SO/
// user) and an optional backup-KEK slot"):
//
//	[0:8]     header
//	[8:92]    wheel record
//	[92:176]  SO record
//	[176:260] user record
//	[260:264] KEK present flag (u32; 0x33333333 = present)
//	[264:296] KEK (32 bytes, meaningful only when present)
const (
	pinBlockDataOffset = 8
	kekPresentMagic    = 0x33333333
	kekSize            = 32
)

func putPINRecord(buf []byte, rec pin.Record) {
	binary.BigEndian.PutUint32(buf[0:4], rec.Iterations)
	copy(buf[4:20], rec.Salt[:])
	copy(buf[20:20+64], rec.Hash[:])
}

func getPINRecord(buf []byte) pin.Record {
	var rec pin.Record
	rec.Iterations = binary.BigEndian.Uint32(buf[0:4])
	copy(rec.Salt[:], buf[4:20])
	copy(rec.Hash[:], buf[20:20+64])
	return rec
}

// buildPINBlock assembles a live PIN block. An Iterations of zero on
// wheel/SO/user marks that slot unset (spec §4.2.9's "fresh block ...
// with the last-gasp wheel PIN and empty user/SO PINs").
func buildPINBlock(wheel, so, user pin.Record, kek []byte, kekPresent bool) ([]byte, error) {
	if kekPresent && len(kek) != kekSize {
		return nil, herr.New(herr.BadArguments, "keystore.buildPINBlock", nil)
	}
	buf := newBlock(BlockPIN, StatusLive)
	off := pinBlockDataOffset
	putPINRecord(buf[off:off+pinRecordSize], wheel)
	off += pinRecordSize
	putPINRecord(buf[off:off+pinRecordSize], so)
	off += pinRecordSize
	putPINRecord(buf[off:off+pinRecordSize], user)
	off += pinRecordSize
	if kekPresent {
		binary.BigEndian.PutUint32(buf[off:off+4], kekPresentMagic)
		copy(buf[off+4:off+4+kekSize], kek)
	}

	h, _ := parseHeader(buf)
	h.CRC = blockCRC(buf)
	h.put(buf)
	return buf, nil
}

// pinBlockView is the parsed, read-only view of a PIN block used by
// Store's login/set-pin/KEK operations.
type pinBlockView struct {
	Wheel, SO, User pin.Record
	KEKPresent      bool
	KEK             []byte
}

func parsePINBlock(buf []byte) (pinBlockView, error) {
	need := pinBlockDataOffset + 3*pinRecordSize + 4 + kekSize
	if len(buf) < need {
		return pinBlockView{}, herr.New(herr.KeystoreWrongBlockType, "keystore.parsePINBlock", nil)
	}
	off := pinBlockDataOffset
	wheel := getPINRecord(buf[off : off+pinRecordSize])
	off += pinRecordSize
	so := getPINRecord(buf[off : off+pinRecordSize])
	off += pinRecordSize
	user := getPINRecord(buf[off : off+pinRecordSize])
	off += pinRecordSize

	view := pinBlockView{Wheel: wheel, SO: so, User: user}
	if binary.BigEndian.Uint32(buf[off:off+4]) == kekPresentMagic {
		view.KEKPresent = true
		view.KEK = append([]byte(nil), buf[off+4:off+4+kekSize]...)
	}
	return view, nil
}
