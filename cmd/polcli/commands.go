package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/stackmate/keypolicy/descriptor"
	"github.com/stackmate/keypolicy/keychain"
	"github.com/stackmate/keypolicy/policy"
	"github.com/stackmate/keypolicy/wallet"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli"
)

// mnemonicEntropyBits gives 24 word mnemonics.
const mnemonicEntropyBits = 256

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "\t"); err != nil {
		return err
	}
	out.WriteString("\n")

	_, err = out.WriteTo(w)

	return err
}

// argOrFlag returns the first positional argument, or the named flag when
// no argument is given.
func argOrFlag(ctx *cli.Context, name string) (string, error) {
	switch {
	case ctx.NArg() > 0:
		return ctx.Args().First(), nil
	case ctx.IsSet(name):
		return ctx.String(name), nil
	default:
		return "", fmt.Errorf("%s argument missing", name)
	}
}

var keyFlag = cli.StringSliceFlag{
	Name: "key",
	Usage: "Define a key alias as @name=KEY. May be given several " +
		"times.",
}

var deriveCommand = cli.Command{
	Name:      "derive",
	Category:  "Keys",
	Usage:     "Derive an account key from a master key.",
	ArgsUsage: "master_key",
	Description: `
	Derive the account key at m/purpose'/coin'/account' below the given
	extended private key. The coin type follows the network of the master
	key. With --path the full path is given instead.

	The result also carries the account as a key expression that can be
	used in a policy.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "master_key",
			Usage: "The extended private master key.",
		},
		cli.StringFlag{
			Name:  "purpose",
			Value: "84",
			Usage: "The purpose level of the path.",
		},
		cli.StringFlag{
			Name:  "account",
			Value: "0",
			Usage: "The account level of the path.",
		},
		cli.StringFlag{
			Name:  "path",
			Usage: "A full derivation path such as m/48h/1h/0h/2h.",
		},
	},
	Action: derive,
}

func derive(ctx *cli.Context) error {
	master, err := argOrFlag(ctx, "master_key")
	if err != nil {
		return err
	}

	var keys *keychain.ChildKeys
	if ctx.IsSet("path") {
		keys, err = keychain.DeriveByPath(master, ctx.String("path"))
	} else {
		keys, err = keychain.Derive(
			master, ctx.String("purpose"), ctx.String("account"),
		)
	}
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, struct {
		*keychain.ChildKeys
		KeyExpr string `json:"key_expr"`
	}{
		ChildKeys: keys,
		KeyExpr:   keys.KeyExpr(),
	})
}

var checkXPubCommand = cli.Command{
	Name:      "checkxpub",
	Category:  "Keys",
	Usage:     "Check that a string is a valid extended public key.",
	ArgsUsage: "xpub",
	Action:    checkXPub,
}

func checkXPub(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "checkxpub")
	}

	return printJSON(ctx.App.Writer, struct {
		Valid bool `json:"valid"`
	}{
		Valid: keychain.CheckXPub(ctx.Args().First()),
	})
}

var mnemonicCommand = cli.Command{
	Name:     "mnemonic",
	Category: "Keys",
	Usage:    "Create or restore a master key from a BIP39 mnemonic.",
	Description: `
	Without --words a new 24 word mnemonic is generated. The master
	extended private key of the mnemonic is printed for the given network.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "words",
			Usage: "An existing mnemonic, words separated by spaces.",
		},
		cli.StringFlag{
			Name:  "passphrase",
			Usage: "The optional BIP39 passphrase.",
		},
		cli.StringFlag{
			Name:  "network",
			Value: wallet.DefaultNetwork,
			Usage: "The network of the master key.",
		},
	},
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	cfg := &wallet.Config{Network: ctx.String("network")}
	net, err := cfg.NetParams()
	if err != nil {
		return err
	}

	words := ctx.String("words")
	if words == "" {
		entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
		if err != nil {
			return err
		}
		words, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}
	}

	master, err := keychain.NewMasterFromMnemonic(
		words, ctx.String("passphrase"), net,
	)
	if err != nil {
		return err
	}
	fingerprint, err := keychain.FingerprintOf(master)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, struct {
		Mnemonic    string `json:"mnemonic"`
		Fingerprint string `json:"fingerprint"`
		Xprv        string `json:"xprv"`
	}{
		Mnemonic:    words,
		Fingerprint: fingerprint.String(),
		Xprv:        master.String(),
	})
}

var compileCommand = cli.Command{
	Name:      "compile",
	Category:  "Policies",
	Usage:     "Compile a spending policy into a descriptor.",
	ArgsUsage: "policy",
	Description: `
	Compile a policy such as

	    or(pk(@user),and(pk(@custodian),after(595600)))

	into a descriptor of the given output type (wpkh, pkh, sh-wpkh, sh,
	wsh or sh-wsh). Keys are written inline or as @aliases defined with
	--key.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "policy",
			Usage: "The policy to compile.",
		},
		cli.StringFlag{
			Name:  "type",
			Value: descriptor.WitnessScriptHash.String(),
			Usage: "The output type of the descriptor.",
		},
		keyFlag,
	},
	Action: compile,
}

func compile(ctx *cli.Context) error {
	text, err := argOrFlag(ctx, "policy")
	if err != nil {
		return err
	}
	out, err := descriptor.ParseOutputType(ctx.String("type"))
	if err != nil {
		return err
	}
	keys, err := keychain.ParseKeyMap(ctx.StringSlice("key")...)
	if err != nil {
		return err
	}

	wp, err := descriptor.CompilePolicy(text, out, keys)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, wp)
}

var walletFlags = []cli.Flag{
	cli.StringFlag{
		Name:      "config",
		Usage:     "Read the wallet descriptors from this INI file.",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "deposit",
		Usage: "The descriptor of the deposit keychain.",
	},
	cli.StringFlag{
		Name:  "change",
		Usage: "The descriptor of the change keychain.",
	},
	cli.StringFlag{
		Name:  "network",
		Usage: "The network of the descriptor keys.",
	},
	cli.BoolFlag{
		Name:  "internal",
		Usage: "Use the change keychain instead of the deposit one.",
	},
	keyFlag,
}

// walletConfig builds the wallet config from --config and the descriptor
// flags, the flags taking precedence.
func walletConfig(ctx *cli.Context) (*wallet.Config, error) {
	cfg := wallet.DefaultConfig()
	if ctx.IsSet("config") {
		var err error
		cfg, err = wallet.LoadConfig(ctx.String("config"))
		if err != nil {
			return nil, err
		}
	}

	if ctx.IsSet("deposit") {
		cfg.DepositDesc = ctx.String("deposit")
	}
	if ctx.IsSet("change") {
		cfg.ChangeDesc = ctx.String("change")
	}
	if ctx.IsSet("network") {
		cfg.Network = ctx.String("network")
	}

	return cfg, cfg.Validate()
}

func keychainKind(ctx *cli.Context) wallet.KeychainKind {
	if ctx.Bool("internal") {
		return wallet.Internal
	}

	return wallet.External
}

var decodeCommand = cli.Command{
	Name:     "decode",
	Category: "Policies",
	Usage:    "Decode the spending conditions of a wallet descriptor.",
	Description: `
	Print the satisfaction tree of the deposit (or, with --internal, the
	change) descriptor. Every node carries an id and the cheapest
	condition that satisfies it.

	With --path the condition of one spending path is printed as well.
	A path selects, for threshold nodes, the children to satisfy:

	    --path 1a2b3c4d=1 --path 5e6f7a8b=0,2`,
	Flags: append([]cli.Flag{
		cli.StringSliceFlag{
			Name:  "path",
			Usage: "Select children of a node as ID=i,j.",
		},
	}, walletFlags...),
	Action: decode,
}

func decode(ctx *cli.Context) error {
	cfg, err := walletConfig(ctx)
	if err != nil {
		return err
	}
	keys, err := keychain.ParseKeyMap(ctx.StringSlice("key")...)
	if err != nil {
		return err
	}
	path, err := policy.ParseSpendPath(ctx.StringSlice("path")...)
	if err != nil {
		return err
	}

	var tree *policy.Annotated
	switch keychainKind(ctx) {
	case wallet.Internal:
		w, err := wallet.NewOffline(cfg, keys)
		if err != nil {
			return err
		}
		tree, err = w.Policies(wallet.Internal)
		if err != nil {
			return err
		}

	default:
		tree, err = wallet.Decode(cfg, keys)
		if err != nil {
			return err
		}
	}

	resp := struct {
		Tree      *policy.AnnotatedRecord `json:"tree"`
		Condition *policy.ConditionRecord `json:"condition,omitempty"`
	}{
		Tree: tree.Record(),
	}
	if len(path) > 0 {
		cond, err := tree.GetCondition(path)
		if err != nil {
			return err
		}
		record := cond.Record()
		resp.Condition = &record
	}

	return printJSON(ctx.App.Writer, resp)
}

var addressCommand = cli.Command{
	Name:     "address",
	Category: "Policies",
	Usage:    "Derive an address of a wallet descriptor.",
	Description: `
	Print the address, the scripts and the key origins of the output at
	the given child index of the deposit (or, with --internal, the change)
	descriptor.`,
	Flags: append([]cli.Flag{
		cli.Uint64Flag{
			Name:  "index",
			Usage: "The child index applied to wildcard keys.",
		},
	}, walletFlags...),
	Action: address,
}

type derivationRecord struct {
	PubKey      string `json:"pubkey"`
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
}

func address(ctx *cli.Context) error {
	cfg, err := walletConfig(ctx)
	if err != nil {
		return err
	}
	keys, err := keychain.ParseKeyMap(ctx.StringSlice("key")...)
	if err != nil {
		return err
	}

	index := ctx.Uint64("index")
	if index > uint64(^uint32(0)) {
		return fmt.Errorf("child index %d out of range", index)
	}
	childIndex := uint32(index)

	w, err := wallet.NewOffline(cfg, keys)
	if err != nil {
		return err
	}
	d := w.Descriptor(keychainKind(ctx))

	addr, err := d.AddressAt(w.NetParams(), childIndex)
	if err != nil {
		return err
	}
	pkScript, err := d.ScriptPubKey(childIndex)
	if err != nil {
		return err
	}

	resp := struct {
		Address       string              `json:"address"`
		ScriptPubKey  string              `json:"script_pubkey"`
		WitnessScript string              `json:"witness_script,omitempty"`
		RedeemScript  string              `json:"redeem_script,omitempty"`
		Derivations   []*derivationRecord `json:"derivations"`
	}{
		Address:      addr.EncodeAddress(),
		ScriptPubKey: hex.EncodeToString(pkScript),
	}

	if witnessScript, err := d.WitnessScript(childIndex); err == nil {
		resp.WitnessScript = hex.EncodeToString(witnessScript)
	}
	if redeemScript, err := d.RedeemScript(childIndex); err == nil {
		resp.RedeemScript = hex.EncodeToString(redeemScript)
	}

	derivations, err := d.Bip32Derivations(childIndex)
	if err != nil {
		return err
	}
	for _, derivation := range derivations {
		fingerprint := keychain.FingerprintFromUint32(
			derivation.MasterKeyFingerprint,
		)
		path := keychain.PathFromIndexes(derivation.Bip32Path)

		resp.Derivations = append(resp.Derivations, &derivationRecord{
			PubKey:      hex.EncodeToString(derivation.PubKey),
			Fingerprint: fingerprint.String(),
			Path:        path.String(),
		})
	}

	return printJSON(ctx.App.Writer, resp)
}
