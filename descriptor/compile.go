package descriptor

import (
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/miniscript"
	"github.com/stackmate/keypolicy/policy"
)

// WalletPolicy pairs a policy with the descriptor it compiles to.
type WalletPolicy struct {
	// Policy is the canonical policy text.
	Policy string `json:"policy"`

	// Descriptor is the compiled descriptor, without a checksum.
	Descriptor string `json:"descriptor"`
}

// Compile compiles a policy into a descriptor of the given output type.
// Single key types take a policy made of one key and ignore ctx. Script
// types must be paired with their context: sh with Legacy, wsh and sh(wsh)
// with SegwitV0. Aliases are replaced by the text of the key they resolve
// to.
func Compile(p *policy.Policy, ctx miniscript.Context,
	out OutputType) (string, error) {

	if _, ok := outputTypeNames[out]; !ok {
		return "", errorcodes.Newf(
			errorcodes.InvalidOutputType, "unknown output type %v", out,
		)
	}

	if out.IsSingleKey() {
		return compileSingleKey(p, out)
	}

	want, _ := out.ScriptContext()
	if ctx != want {
		return "", errorcodes.Newf(
			errorcodes.InvalidOutputType, "%v output needs a %v "+
				"script, got %v", out, want, ctx,
		)
	}

	ms, err := miniscript.Compile(p.Root, p.Keys, ctx)
	if err != nil {
		return "", err
	}

	ms, err = ms.MapKeys(func(id string) (string, error) {
		expr, err := p.Keys.Resolve(id)
		if err != nil {
			return "", err
		}

		return expr.String(), nil
	})
	if err != nil {
		return "", err
	}

	// Two aliases may name the same key.
	seen := make(map[string]struct{})
	for _, id := range ms.KeyIDs() {
		if _, dup := seen[id]; dup {
			return "", errorcodes.Newf(
				errorcodes.CompileError, "key %s is used more "+
					"than once", id,
			)
		}
		seen[id] = struct{}{}
	}

	d := &Descriptor{Type: out, Script: ms}
	log.Debugf("Compiled %v policy to %v", out, d)

	return d.String(), nil
}

func compileSingleKey(p *policy.Policy, out OutputType) (string, error) {
	key, ok := p.Root.(policy.Key)
	if !ok {
		return "", errorcodes.Newf(
			errorcodes.InvalidOutputType, "%v output needs a single "+
				"key policy, got %v", out, policy.String(p.Root),
		)
	}

	expr, err := p.Keys.Resolve(key.ID)
	if err != nil {
		return "", err
	}
	if out.IsSegwit() && !expr.IsCompressed() {
		return "", errorcodes.Newf(
			errorcodes.InvalidOutputType, "%v output needs a "+
				"compressed key", out,
		)
	}

	d := &Descriptor{Type: out, Key: expr.String()}
	log.Debugf("Compiled %v policy to %v", out, d)

	return d.String(), nil
}

// CompilePolicy parses policy text and compiles it into a descriptor of the
// given output type, in the script context the type requires. keys, which
// may be nil, resolves the aliases of the policy.
func CompilePolicy(text string, out OutputType,
	keys keychain.KeyMap) (*WalletPolicy, error) {

	p, err := policy.Parse(text)
	if err != nil {
		return nil, err
	}
	p = p.WithKeys(keys)

	ctx, ok := out.ScriptContext()
	if !ok {
		ctx = miniscript.SegwitV0
	}

	desc, err := Compile(p, ctx, out)
	if err != nil {
		return nil, err
	}

	return &WalletPolicy{
		Policy:     p.String(),
		Descriptor: desc,
	}, nil
}
