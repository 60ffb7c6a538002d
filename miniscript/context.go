package miniscript

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stackmate/keypolicy/keychain"
)

const (
	// maxStandardWitnessScriptSize is the largest standard P2WSH
	// witness script.
	maxStandardWitnessScriptSize = 3600

	// maxStandardWitnessStackItems is the largest standard number of
	// P2WSH witness stack items, not counting the witness script.
	maxStandardWitnessStackItems = 100
)

// Context is the script context a miniscript executes in.
type Context uint8

const (
	// Legacy is a P2SH redeem script.
	Legacy Context = iota

	// SegwitV0 is a P2WSH witness script.
	SegwitV0
)

// String returns the name of the context.
func (c Context) String() string {
	switch c {
	case Legacy:
		return "legacy"
	case SegwitV0:
		return "segwitv0"
	default:
		return fmt.Sprintf("Context(%d)", uint8(c))
	}
}

// MaxScriptSize returns the largest script the context accepts.
func (c Context) MaxScriptSize() int {
	if c == Legacy {
		return txscript.MaxScriptElementSize
	}

	return maxStandardWitnessScriptSize
}

// MaxOps returns the largest number of executed non push opcodes.
func (c Context) MaxOps() int {
	return txscript.MaxOpsPerScript
}

// MaxStackItems returns the largest number of satisfaction stack items.
func (c Context) MaxStackItems() int {
	if c == Legacy {
		return txscript.MaxStackSize
	}

	return maxStandardWitnessStackItems
}

// AllowsUncompressed reports whether uncompressed keys may appear in the
// context.
func (c Context) AllowsUncompressed() bool {
	return c == Legacy
}

// placeholderKey returns a key of the serialized length of expr, used to
// size scripts before the derivation index is known.
func placeholderKey(expr *keychain.KeyExpr) []byte {
	if expr.IsCompressed() {
		key := make([]byte, 33)
		key[0] = 0x02

		return key
	}

	key := make([]byte, 65)
	key[0] = 0x04

	return key
}

// Sanity checks that n is safe as a script of its own in ctx: it is of type
// B, has a non malleable satisfaction, needs a signature on every branch,
// never mixes timelock units within a branch, uses every key once, and stays within the script size, opcode and stack
// limits of the context. keys must resolve every key identifier of n.
func (n *Node) Sanity(ctx Context, keys keychain.KeyMap) error {
	if err := expectBase(n, TypeB); err != nil {
		return err
	}
	if !n.typ.M {
		return fmt.Errorf("%v is malleable", n)
	}
	if !n.typ.S {
		return fmt.Errorf("%v has a branch without a signature", n)
	}
	if n.locks.mixed {
		return fmt.Errorf("%v mixes height and time timelocks in one "+
			"branch", n)
	}

	seen := make(map[string]struct{})
	for _, id := range n.KeyIDs() {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("key %s is used more than once", id)
		}
		seen[id] = struct{}{}

		expr, err := keys.Resolve(id)
		if err != nil {
			return err
		}
		if !expr.IsCompressed() && !ctx.AllowsUncompressed() {
			return fmt.Errorf("uncompressed key %s in %v context",
				id, ctx)
		}
	}

	var sortedMulti bool
	n.walk(func(node *Node) {
		sortedMulti = sortedMulti ||
			(node != n && node.Fragment == SortedMulti)
	})
	if sortedMulti {
		return fmt.Errorf("sortedmulti only allowed at the top of " +
			"a script")
	}

	script, err := n.Script(func(id string) ([]byte, error) {
		expr, err := keys.Resolve(id)
		if err != nil {
			return nil, err
		}

		return placeholderKey(expr), nil
	})
	if err != nil {
		return err
	}
	if len(script) > ctx.MaxScriptSize() {
		return fmt.Errorf("script is %d bytes, the %v limit is %d",
			len(script), ctx, ctx.MaxScriptSize())
	}

	ops, err := opCount(script, n)
	if err != nil {
		return err
	}
	if ops > ctx.MaxOps() {
		return fmt.Errorf("script executes up to %d opcodes, the "+
			"limit is %d", ops, ctx.MaxOps())
	}

	items, _ := n.witnessItems()
	if items > ctx.MaxStackItems() {
		return fmt.Errorf("satisfaction needs %d stack items, the %v "+
			"limit is %d", items, ctx, ctx.MaxStackItems())
	}

	log.Tracef("Script %v in %v context: %d bytes, %d ops, %d stack "+
		"items", n, ctx, len(script), ops, items)

	return nil
}
