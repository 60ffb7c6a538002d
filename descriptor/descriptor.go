// Package descriptor parses, renders and compiles output script
// descriptors whose scripts are written in miniscript.
package descriptor

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/internal/exprtree"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/miniscript"
	"github.com/stackmate/keypolicy/policy"
)

// Descriptor is a parsed output descriptor. Single key types carry Key,
// script types carry Script.
type Descriptor struct {
	// Type is the output script template.
	Type OutputType

	// Key is the key identifier of a single key descriptor.
	Key string

	// Script is the miniscript of a script descriptor.
	Script *miniscript.Node

	// Keys resolves the key identifiers of the descriptor. Inline keys
	// are added by Parse, aliases through WithKeys.
	Keys keychain.KeyMap
}

// Parse parses a descriptor. Anything after a # is a checksum and is
// dropped unread. When every key is inline the descriptor is also validated,
// otherwise Validate must be called once the aliases are supplied.
func Parse(s string) (*Descriptor, error) {
	body, _, _ := strings.Cut(s, "#")

	tree, err := exprtree.Parse(body)
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.InvalidDescriptor, err, "")
	}

	d, err := fromTree(tree)
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.InvalidDescriptor, err, "")
	}

	d.Keys = make(keychain.KeyMap)
	for _, id := range d.KeyIDs() {
		if keychain.IsAlias(id) {
			continue
		}

		expr, err := keychain.ParseKeyExpr(id)
		if err != nil {
			return nil, errorcodes.Wrap(
				errorcodes.InvalidDescriptor, err, "",
			)
		}
		d.Keys[id] = expr
	}

	if !d.hasAliases() {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	log.Tracef("Parsed %v descriptor with %d keys", d.Type, len(d.Keys))

	return d, nil
}

func syntaxErr(t *exprtree.Tree, msg string) error {
	return &exprtree.SyntaxError{Pos: t.Pos, Msg: msg}
}

func fromTree(t *exprtree.Tree) (*Descriptor, error) {
	switch t.Name {
	case "wpkh":
		return singleKey(t, BareKeyHash)

	case "pkh":
		return singleKey(t, KeyHash)

	case "wsh":
		return script(t, WitnessScriptHash)

	case "sh":
		if len(t.Args) != 1 {
			return nil, syntaxErr(t, "sh takes one argument")
		}

		switch t.Args[0].Name {
		case "wpkh":
			return singleKey(t.Args[0], NestedKeyHash)

		case "wsh":
			return script(t.Args[0], NestedWitnessScriptHash)

		default:
			return script(t, ScriptHash)
		}

	default:
		return nil, syntaxErr(t, "unsupported descriptor "+t.Name)
	}
}

func singleKey(t *exprtree.Tree, typ OutputType) (*Descriptor, error) {
	if len(t.Args) != 1 || !t.Args[0].IsLeaf() || t.Args[0].Name == "" {
		return nil, syntaxErr(t, t.Name+" takes one key")
	}

	return &Descriptor{Type: typ, Key: t.Args[0].Name}, nil
}

func script(t *exprtree.Tree, typ OutputType) (*Descriptor, error) {
	if len(t.Args) != 1 {
		return nil, syntaxErr(t, t.Name+" takes one script")
	}

	ms, err := miniscript.FromTree(t.Args[0])
	if err != nil {
		return nil, err
	}

	return &Descriptor{Type: typ, Script: ms}, nil
}

// KeyIDs returns the key identifiers of the descriptor in the order they
// appear.
func (d *Descriptor) KeyIDs() []string {
	if d.Type.IsSingleKey() {
		return []string{d.Key}
	}

	return d.Script.KeyIDs()
}

func (d *Descriptor) hasAliases() bool {
	for _, id := range d.KeyIDs() {
		if keychain.IsAlias(id) {
			return true
		}
	}

	return false
}

// WithKeys returns a copy of the descriptor whose key map also holds keys.
// Inline keys take precedence.
func (d *Descriptor) WithKeys(keys keychain.KeyMap) *Descriptor {
	withKeys := *d
	withKeys.Keys = d.Keys.Merge(keys)

	return &withKeys
}

// Validate checks that every key resolves and that the descriptor is sound
// for its output type: witness key hashes need compressed keys and scripts
// must pass the miniscript sanity checks of their context.
func (d *Descriptor) Validate() error {
	for _, id := range d.KeyIDs() {
		if _, err := d.Keys.Resolve(id); err != nil {
			return err
		}
	}

	ctx, isScript := d.Type.ScriptContext()
	if !isScript {
		expr, _ := d.Keys.Resolve(d.Key)
		if d.Type.IsSegwit() && !expr.IsCompressed() {
			return errorcodes.Newf(
				errorcodes.InvalidDescriptor, "%v needs a "+
					"compressed key", d.Type,
			)
		}

		return nil
	}

	if err := d.Script.Sanity(ctx, d.Keys); err != nil {
		return errorcodes.Wrap(errorcodes.InvalidDescriptor, err, "")
	}

	return nil
}

// String returns the canonical descriptor text without a checksum.
func (d *Descriptor) String() string {
	var inner string
	if d.Type.IsSingleKey() {
		inner = d.Key
	} else {
		inner = d.Script.String()
	}

	switch d.Type {
	case BareKeyHash:
		return "wpkh(" + inner + ")"
	case KeyHash:
		return "pkh(" + inner + ")"
	case NestedKeyHash:
		return "sh(wpkh(" + inner + "))"
	case ScriptHash:
		return "sh(" + inner + ")"
	case WitnessScriptHash:
		return "wsh(" + inner + ")"
	case NestedWitnessScriptHash:
		return "sh(wsh(" + inner + "))"
	default:
		return ""
	}
}

// Lift returns the satisfaction tree of the descriptor.
func (d *Descriptor) Lift() (policy.Node, error) {
	if d.Type.IsSingleKey() {
		return policy.Key{ID: d.Key}, nil
	}

	return d.Script.Lift()
}

// IsRange reports whether any key of the descriptor ends in a wildcard.
func (d *Descriptor) IsRange() bool {
	for _, id := range d.KeyIDs() {
		expr, err := d.Keys.Resolve(id)
		if err == nil && expr.IsRange() {
			return true
		}
	}

	return false
}

// IsForNet reports whether every extended or WIF key of the descriptor
// belongs to net.
func (d *Descriptor) IsForNet(net *chaincfg.Params) bool {
	for _, id := range d.KeyIDs() {
		expr, err := d.Keys.Resolve(id)
		if err == nil && !expr.IsForNet(net) {
			return false
		}
	}

	return true
}
