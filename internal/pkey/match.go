package pkey

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/attr"
)

// MatchAnyType and MatchAnyCurve are the wildcard sentinels for Match's
// type and curve filters (spec §6.2 #25 PKEY_MATCH's "type, curve"
// inputs give no wildcard value of their own; hsmcore reserves 0xFF,
// one past the last assigned KeyType/Curve, per §9 Open Question
// resolution recorded in DESIGN.md).
const (
	MatchAnyType  keystore.KeyType = 0xFF
	MatchAnyCurve keystore.Curve   = 0xFF
)

// MatchCriteria bundles PKEY_MATCH's filter arguments (spec §6.2 #25),
// grounded on hal_rpc_pkey_match / ks_match's type+curve+flags-mask-
// and-value+attribute filter.
type MatchCriteria struct {
	Type  keystore.KeyType
	Curve keystore.Curve
	Mask  keystore.KeyFlags
	Flags keystore.KeyFlags
	Attrs []attr.Attribute
}

// Match implements PKEY_MATCH: scan the keystore's live key names in
// index order, starting just after previous, returning up to max names
// satisfying c. The returned cursor is the last name examined (whether
// or not it matched) so a follow-up call with previous=cursor resumes
// where this one left off; a returned done=true means the scan reached
// the end of the index (spec §9 Open Question: "opaque server-assigned
// index, client passes back whatever bytes it last received").
func (m *Manager) Match(c MatchCriteria, previous uuid.UUID, max int) (names []uuid.UUID, cursor uuid.UUID, done bool, err error) {
	if max <= 0 {
		return nil, uuid.UUID{}, false, herr.New(herr.BadArguments, "pkey.Manager.Match", nil)
	}
	all, err := m.Store.ListKeys()
	if err != nil {
		return nil, uuid.UUID{}, false, err
	}
	started := previous == uuid.UUID{}
	for _, name := range all {
		if !started {
			if name == previous {
				started = true
			}
			continue
		}
		cursor = name
		view, _, err := m.Store.FindKey(name)
		if err != nil {
			continue
		}
		if c.Type != MatchAnyType && view.Type != c.Type {
			continue
		}
		if c.Curve != MatchAnyCurve && view.Curve != c.Curve {
			continue
		}
		if view.Flags&c.Mask != c.Flags&c.Mask {
			continue
		}
		if len(c.Attrs) > 0 {
			present, _, err := attr.Scan(view.AttrTLV)
			if err != nil {
				continue
			}
			if !attrsMatch(present, c.Attrs) {
				continue
			}
		}
		names = append(names, name)
		if len(names) >= max {
			return names, cursor, false, nil
		}
	}
	return names, cursor, true, nil
}

// attrsMatch reports whether every entry in want has an equal-valued
// counterpart in present (spec §6.2 #25's attrs[] filter).
func attrsMatch(present, want []attr.Attribute) bool {
	for _, w := range want {
		found := false
		for _, p := range present {
			if p.Type == w.Type && bytes.Equal(p.Value, w.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
