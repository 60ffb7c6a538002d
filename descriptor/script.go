package descriptor

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/stackmate/keypolicy/miniscript"
)

// resolverAt returns a resolver serializing every key at the child index.
func (d *Descriptor) resolverAt(index uint32) miniscript.KeyResolver {
	return func(id string) ([]byte, error) {
		expr, err := d.Keys.Resolve(id)
		if err != nil {
			return nil, err
		}

		return expr.SerializedPubKeyAt(index)
	}
}

// WitnessScript returns the witness script of a wsh or sh(wsh) descriptor
// at the child index.
func (d *Descriptor) WitnessScript(index uint32) ([]byte, error) {
	if d.Type != WitnessScriptHash && d.Type != NestedWitnessScriptHash {
		return nil, errorcodes.Newf(
			errorcodes.InvalidOutputType, "%v has no witness script",
			d.Type,
		)
	}

	return d.Script.Script(d.resolverAt(index))
}

// RedeemScript returns the P2SH redeem script of an sh, sh(wsh) or
// sh(wpkh) descriptor at the child index.
func (d *Descriptor) RedeemScript(index uint32) ([]byte, error) {
	switch d.Type {
	case ScriptHash:
		return d.Script.Script(d.resolverAt(index))

	case NestedWitnessScriptHash, NestedKeyHash:
		addr, err := d.witnessAddress(index, &chaincfg.MainNetParams)
		if err != nil {
			return nil, err
		}

		return txscript.PayToAddrScript(addr)

	default:
		return nil, errorcodes.Newf(
			errorcodes.InvalidOutputType, "%v has no redeem script",
			d.Type,
		)
	}
}

// witnessAddress returns the native witness address the nested types wrap.
func (d *Descriptor) witnessAddress(index uint32,
	net *chaincfg.Params) (btcutil.Address, error) {

	if d.Type.IsSingleKey() {
		pub, err := d.resolverAt(index)(d.Key)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub), net,
		)
	}

	witnessScript, err := d.Script.Script(d.resolverAt(index))
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressWitnessScriptHash(
		chainhash.HashB(witnessScript), net,
	)
}

// AddressAt returns the address of the output at the child index on net.
func (d *Descriptor) AddressAt(net *chaincfg.Params,
	index uint32) (btcutil.Address, error) {

	switch d.Type {
	case BareKeyHash, WitnessScriptHash:
		return d.witnessAddress(index, net)

	case KeyHash:
		pub, err := d.resolverAt(index)(d.Key)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), net)

	default:
		redeemScript, err := d.RedeemScript(index)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(redeemScript, net)
	}
}

// ScriptPubKey returns the output script at the child index. Output scripts
// do not depend on the network.
func (d *Descriptor) ScriptPubKey(index uint32) ([]byte, error) {
	addr, err := d.AddressAt(&chaincfg.MainNetParams, index)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// Bip32Derivations returns the key origin records of every key of the
// descriptor at the child index, in key order.
func (d *Descriptor) Bip32Derivations(index uint32) ([]*psbt.Bip32Derivation,
	error) {

	ids := d.KeyIDs()
	derivations := make([]*psbt.Bip32Derivation, 0, len(ids))
	for _, id := range ids {
		expr, err := d.Keys.Resolve(id)
		if err != nil {
			return nil, err
		}

		derivation, err := expr.Bip32Derivation(index)
		if err != nil {
			return nil, err
		}
		derivations = append(derivations, derivation)
	}

	return derivations, nil
}
