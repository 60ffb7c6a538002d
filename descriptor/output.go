package descriptor

import (
	"fmt"

	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/miniscript"
)

// OutputType is the script template a descriptor wraps its key or
// miniscript in.
type OutputType uint8

const (
	// BareKeyHash pays to a version 0 witness key hash: wpkh(K).
	BareKeyHash OutputType = iota

	// ScriptHash pays to a P2SH redeem script: sh(MS).
	ScriptHash

	// WitnessScriptHash pays to a version 0 witness script hash:
	// wsh(MS).
	WitnessScriptHash

	// NestedWitnessScriptHash nests a witness script hash inside P2SH:
	// sh(wsh(MS)).
	NestedWitnessScriptHash

	// KeyHash pays to a legacy key hash: pkh(K).
	KeyHash

	// NestedKeyHash nests a witness key hash inside P2SH: sh(wpkh(K)).
	NestedKeyHash
)

var outputTypeNames = map[OutputType]string{
	BareKeyHash:             "wpkh",
	ScriptHash:              "sh",
	WitnessScriptHash:       "wsh",
	NestedWitnessScriptHash: "sh-wsh",
	KeyHash:                 "pkh",
	NestedKeyHash:           "sh-wpkh",
}

// String returns the short name of the output type, as accepted by
// ParseOutputType.
func (t OutputType) String() string {
	if name, ok := outputTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("OutputType(%d)", uint8(t))
}

// ParseOutputType parses the short name of an output type.
func ParseOutputType(s string) (OutputType, error) {
	for t, name := range outputTypeNames {
		if name == s {
			return t, nil
		}
	}

	return 0, errorcodes.Newf(
		errorcodes.InvalidOutputType, "unknown output type %q", s,
	)
}

// IsSingleKey reports whether the output type wraps a single key rather
// than a script.
func (t OutputType) IsSingleKey() bool {
	switch t {
	case BareKeyHash, KeyHash, NestedKeyHash:
		return true
	default:
		return false
	}
}

// IsSegwit reports whether spends of the output carry a witness.
func (t OutputType) IsSegwit() bool {
	return t != ScriptHash && t != KeyHash
}

// ScriptContext returns the context a miniscript of this output type is
// checked in. Single key types have none.
func (t OutputType) ScriptContext() (miniscript.Context, bool) {
	switch t {
	case ScriptHash:
		return miniscript.Legacy, true
	case WitnessScriptHash, NestedWitnessScriptHash:
		return miniscript.SegwitV0, true
	default:
		return 0, false
	}
}
