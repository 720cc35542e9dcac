// Package herr defines the flat error taxonomy shared by every HAL
// component and carried across the RPC boundary as a numeric result
// code (see spec §7, "A single flat error taxonomy of ~50 kinds").
//
// Every public operation in hsmcore returns an error value; there is no
// panic-based unwind for expected failure modes. Callers that need the
// numeric wire code (the RPC layer, mainly) use CodeOf(err); callers
// that just need sentinel comparison use errors.Is against an
// herr.New(code, "", nil) value (see (*Error).Is).
package herr

import (
	"errors"
	"fmt"
)

// Code is the numeric result code carried on the RPC wire immediately
// after {func_code, client_handle} in every response (§4.6).
type Code uint32

// The taxonomy, in the order spec §7 lists representative members.
// Values are stable once assigned: they are part of the wire protocol.
const (
	OK Code = iota
	BadArguments
	UnsupportedKey
	IOSetupFailed
	IOTimeout
	IOUnexpected
	IOBadCount
	CSPRNGBroken
	KeywrapBadMagic
	KeywrapBadLength
	KeywrapBadPadding
	Impossible
	AllocationFailure
	ResultTooLong
	ASN1ParseFailed
	KeyNotOnCurve
	InvalidSignature
	CoreNotFound
	CoreBusy
	CoreReassigned
	KeystoreAccess
	KeyNotFound
	KeyNameInUse
	NoKeySlotsAvailable
	PINIncorrect
	NoClientSlotsAvailable
	Forbidden
	XDRBufferOverflow
	RPCTransport
	RPCPacketOverflow
	RPCBadFunction
	KeyNameTooLong
	MasterkeyNotSet
	MasterkeyFail
	MasterkeyBadLength
	KeystoreBadCRC
	KeystoreBadBlockType
	KeystoreLostData
	KeystoreWrongBlockType
	BadAttributeLength
	AttributeNotFound
	NoKeyIndexSlots
	KSIndexUUIDMisordered
	RPCProtocolError
	NotImplemented
	AssertionFailed
	HashsigKeyExhausted
	NotReady
)

var names = map[Code]string{
	OK:                     "ok",
	BadArguments:           "bad-arguments",
	UnsupportedKey:         "unsupported-key",
	IOSetupFailed:          "io-setup-failed",
	IOTimeout:              "io-timeout",
	IOUnexpected:           "io-unexpected",
	IOBadCount:             "io-bad-count",
	CSPRNGBroken:           "csprng-broken",
	KeywrapBadMagic:        "keywrap-bad-magic",
	KeywrapBadLength:       "keywrap-bad-length",
	KeywrapBadPadding:      "keywrap-bad-padding",
	Impossible:             "impossible",
	AllocationFailure:      "allocation-failure",
	ResultTooLong:          "result-too-long",
	ASN1ParseFailed:        "asn1-parse-failed",
	KeyNotOnCurve:          "key-not-on-curve",
	InvalidSignature:       "invalid-signature",
	CoreNotFound:           "core-not-found",
	CoreBusy:               "core-busy",
	CoreReassigned:         "core-reassigned",
	KeystoreAccess:         "keystore-access",
	KeyNotFound:            "key-not-found",
	KeyNameInUse:           "key-name-in-use",
	NoKeySlotsAvailable:    "no-key-slots-available",
	PINIncorrect:           "pin-incorrect",
	NoClientSlotsAvailable: "no-client-slots-available",
	Forbidden:              "forbidden",
	XDRBufferOverflow:      "xdr-buffer-overflow",
	RPCTransport:           "rpc-transport",
	RPCPacketOverflow:      "rpc-packet-overflow",
	RPCBadFunction:         "rpc-bad-function",
	KeyNameTooLong:         "key-name-too-long",
	MasterkeyNotSet:        "masterkey-not-set",
	MasterkeyFail:          "masterkey-fail",
	MasterkeyBadLength:     "masterkey-bad-length",
	KeystoreBadCRC:         "keystore-bad-crc",
	KeystoreBadBlockType:   "keystore-bad-block-type",
	KeystoreLostData:       "keystore-lost-data",
	KeystoreWrongBlockType: "keystore-wrong-block-type",
	BadAttributeLength:     "bad-attribute-length",
	AttributeNotFound:      "attribute-not-found",
	NoKeyIndexSlots:        "no-key-index-slots",
	KSIndexUUIDMisordered:  "ks-index-uuid-misordered",
	RPCProtocolError:       "rpc-protocol-error",
	NotImplemented:         "not-implemented",
	AssertionFailed:        "assertion-failed",
	HashsigKeyExhausted:    "hashsig-key-exhausted",
	NotReady:               "not-ready",
}

// String renders the wire-stable kebab-case name used in log lines and
// RPC error text.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Error wraps a Code with the operation name that produced it and,
// optionally, an underlying cause. It implements error and Unwrap so
// callers can use errors.Is/errors.As against either the wrapped cause
// or another *Error with the same Code.
type Error struct {
	Err  error
	Op   string
	Code Code
}

// New constructs an *Error. cause may be nil when the code alone
// describes the failure (e.g. KeyNotFound).
func New(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, herr.New(herr.KeyNotFound, "", nil)) works without
// callers needing to construct a full Error by hand — they can also
// just compare CodeOf(err) == herr.KeyNotFound directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the taxonomy code from err, returning OK if err is
// nil and herr.Impossible if err is not a *Error — callers that need
// the wire code for an RPC response should always route errors through
// herr.New so a real failure carries its own code rather than
// Impossible.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Impossible
}
