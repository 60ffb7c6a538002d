package keychain

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stackmate/keypolicy/errorcodes"
	"github.com/tyler-smith/go-bip39"
)

const (
	// CoinTypeBitcoin is the BIP44 coin type of mainnet keys.
	CoinTypeBitcoin uint32 = 0

	// CoinTypeTestnet is the BIP44 coin type shared by every test
	// network.
	CoinTypeTestnet uint32 = 1
)

// ChildKeys is the result of deriving an account key from a master key.
type ChildKeys struct {
	// Fingerprint is the hex fingerprint of the master key.
	Fingerprint string `json:"fingerprint"`

	// HardenedPath is the textual path the keys were derived at.
	HardenedPath string `json:"hardened_path"`

	// Xprv is the derived extended private key.
	Xprv string `json:"xprv"`

	// Xpub is the extended public key of Xprv.
	Xpub string `json:"xpub"`

	// Path is the parsed form of HardenedPath.
	Path DerivationPath `json:"-"`

	masterFingerprint Fingerprint
	child             *hdkeychain.ExtendedKey
}

// KeyExpr returns the key expression [fingerprint/path]xpub of the derived
// account, ready to be used as a policy leaf.
func (c *ChildKeys) KeyExpr() string {
	return originText(c.masterFingerprint, c.Path) + c.Xpub
}

// Bip32Derivation returns the PSBT key origin record of the derived public
// key.
func (c *ChildKeys) Bip32Derivation() (*psbt.Bip32Derivation, error) {
	pub, err := c.child.ECPubKey()
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.DerivationFailed, err, "")
	}

	return &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: c.masterFingerprint.Uint32(),
		Bip32Path:            c.Path.ChildIndexes(),
	}, nil
}

// ParseMasterKey decodes an extended private key.
func ParseMasterKey(masterKey string) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewKeyFromString(masterKey)
	if err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.InvalidMasterKey, err, "Invalid Master Key.",
		)
	}
	if !master.IsPrivate() {
		return nil, errorcodes.New(
			errorcodes.InvalidMasterKey,
			"Invalid Master Key. A private key is required.",
		)
	}

	return master, nil
}

// CoinType returns the BIP44 coin type matching the network of key.
func CoinType(key *hdkeychain.ExtendedKey) uint32 {
	if key.IsForNet(&chaincfg.MainNetParams) {
		return CoinTypeBitcoin
	}

	return CoinTypeTestnet
}

// Derive derives the account keys at m/{purpose}h/{coin}h/{account}h, coin
// being picked from the network of the master key.
func Derive(masterKey, purpose, account string) (*ChildKeys, error) {
	master, err := ParseMasterKey(masterKey)
	if err != nil {
		return nil, err
	}

	purposeIndex, err := parseChildNumber(strings.TrimSpace(purpose))
	if err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.InvalidDerivationPath, err,
			"Invalid purpose or account in derivation path.",
		)
	}
	accountIndex, err := parseChildNumber(strings.TrimSpace(account))
	if err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.InvalidDerivationPath, err,
			"Invalid purpose or account in derivation path.",
		)
	}

	path := HardenedPath(purposeIndex, CoinType(master), accountIndex)

	return deriveChildKeys(master, path, path.String())
}

// DeriveByPath derives the keys at an explicit path such as m/84'/1'/0'. The
// result reports the path exactly as given.
func DeriveByPath(masterKey, path string) (*ChildKeys, error) {
	master, err := ParseMasterKey(masterKey)
	if err != nil {
		return nil, err
	}

	steps, err := ParseAbsolutePath(path)
	if err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.InvalidDerivationPath, err,
			"Invalid Derivation Path.",
		)
	}

	return deriveChildKeys(master, steps, path)
}

// DeriveKey walks key down path one child at a time.
func DeriveKey(key *hdkeychain.ExtendedKey,
	path DerivationPath) (*hdkeychain.ExtendedKey, error) {

	for _, step := range path {
		child, err := key.Derive(step.ChildIndex())
		if err != nil {
			return nil, errorcodes.Wrap(
				errorcodes.DerivationFailed, err,
				"unable to derive "+step.String(),
			)
		}
		key = child
	}

	return key, nil
}

func deriveChildKeys(master *hdkeychain.ExtendedKey, path DerivationPath,
	pathText string) (*ChildKeys, error) {

	fingerprint, err := FingerprintOf(master)
	if err != nil {
		return nil, err
	}

	child, err := DeriveKey(master, path)
	if err != nil {
		return nil, err
	}
	xpub, err := child.Neuter()
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.DerivationFailed, err, "")
	}

	log.Debugf("Derived account key at %v under master %v", path,
		fingerprint)

	return &ChildKeys{
		Fingerprint:       fingerprint.String(),
		HardenedPath:      pathText,
		Xprv:              child.String(),
		Xpub:              xpub.String(),
		Path:              path,
		masterFingerprint: fingerprint,
		child:             child,
	}, nil
}

// CheckXPub reports whether s decodes as an extended public key.
func CheckXPub(s string) bool {
	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return false
	}

	return !key.IsPrivate()
}

// NewMasterFromMnemonic builds the master key of a BIP39 mnemonic for the
// given network.
func NewMasterFromMnemonic(mnemonic, passphrase string,
	net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errorcodes.Wrap(
			errorcodes.InvalidMasterKey, err, "invalid mnemonic",
		)
	}

	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.InvalidMasterKey, err, "")
	}

	return master, nil
}
