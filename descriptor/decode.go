package descriptor

import (
	"github.com/stackmate/keypolicy/build"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/policy"
)

// Decode parses a descriptor, fills its aliases from keys and returns the
// annotated satisfaction tree of its script. keys may be nil when every key
// is inline.
func Decode(s string, keys keychain.KeyMap) (*policy.Annotated, error) {
	d, err := Parse(s)
	if err != nil {
		return nil, err
	}

	d = d.WithKeys(keys)
	if err := d.Validate(); err != nil {
		return nil, err
	}

	root, err := d.Lift()
	if err != nil {
		return nil, err
	}

	annotated, err := policy.Annotate(root)
	if err != nil {
		return nil, err
	}

	log.Debugf("Decoded %v descriptor: %v", d.Type,
		build.NewLogClosure(func() string {
			return policy.String(root)
		}))

	return annotated, nil
}
