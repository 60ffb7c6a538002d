// Package wallet ties the deposit and change descriptors of an offline
// wallet to the network they live on.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stackmate/keypolicy/build"
	"github.com/stackmate/keypolicy/descriptor"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/policy"
)

// KeychainKind selects one of the two descriptors of a wallet.
type KeychainKind uint8

const (
	// External is the keychain handing out deposit addresses.
	External KeychainKind = iota

	// Internal is the keychain receiving change.
	Internal
)

// String returns the name of the keychain.
func (k KeychainKind) String() string {
	switch k {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("KeychainKind(%d)", uint8(k))
	}
}

// Context is an offline wallet: two parsed descriptors checked against the
// configured network. It holds no database or chain handle.
type Context struct {
	net     *chaincfg.Params
	deposit *descriptor.Descriptor
	change  *descriptor.Descriptor
}

// NewOffline parses the descriptors of cfg. keys fills the aliases the
// descriptors use and may be nil.
func NewOffline(cfg *Config, keys keychain.KeyMap) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	net, err := cfg.NetParams()
	if err != nil {
		return nil, err
	}

	deposit, err := parseFor(cfg.DepositDesc, net, keys)
	if err != nil {
		return nil, fmt.Errorf("deposit descriptor: %w", err)
	}
	change, err := parseFor(cfg.ChangeDesc, net, keys)
	if err != nil {
		return nil, fmt.Errorf("change descriptor: %w", err)
	}

	log.Debugf("Loaded %v wallet with %v deposit and %v change "+
		"descriptors", net.Name, deposit.Type, change.Type)

	return &Context{
		net:     net,
		deposit: deposit,
		change:  change,
	}, nil
}

func parseFor(text string, net *chaincfg.Params,
	keys keychain.KeyMap) (*descriptor.Descriptor, error) {

	d, err := descriptor.Parse(text)
	if err != nil {
		return nil, err
	}

	d = d.WithKeys(keys)
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if !d.IsForNet(net) {
		return nil, errorcodes.Newf(
			errorcodes.InvalidDescriptor, "descriptor keys do not "+
				"belong to %v", net.Name,
		)
	}

	return d, nil
}

// NetParams returns the network of the wallet.
func (c *Context) NetParams() *chaincfg.Params {
	return c.net
}

// Descriptor returns the descriptor of the keychain.
func (c *Context) Descriptor(kind KeychainKind) *descriptor.Descriptor {
	if kind == Internal {
		return c.change
	}

	return c.deposit
}

// Policies returns the annotated satisfaction tree of the keychain.
func (c *Context) Policies(kind KeychainKind) (*policy.Annotated, error) {
	root, err := c.Descriptor(kind).Lift()
	if err != nil {
		return nil, err
	}

	return policy.Annotate(root)
}

// Decode loads the wallet of cfg and returns the annotated tree of its
// deposit descriptor. The condition of its first branch is logged.
func Decode(cfg *Config, keys keychain.KeyMap) (*policy.Annotated, error) {
	w, err := NewOffline(cfg, keys)
	if err != nil {
		return nil, err
	}

	tree, err := w.Policies(External)
	if err != nil {
		return nil, err
	}

	// Single key descriptors have no branches.
	first := tree
	if len(tree.Children) > 0 {
		first = tree.Children[0]
	}
	first.Condition.WhenSome(func(c policy.Condition) {
		log.Debugf("First deposit branch %v: %v", first.ID,
			build.SpewLogClosure(c.Record()))
	})

	return tree, nil
}
