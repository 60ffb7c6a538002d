package keychain

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stackmate/keypolicy/errorcodes"
)

// ErrInvalidKeyExpr is wrapped by every key expression parse failure.
var ErrInvalidKeyExpr = errors.New("invalid key expression")

// Fingerprint is the first four bytes of the hash160 of a public key.
type Fingerprint [4]byte

// String renders the fingerprint as eight hex characters.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Uint32 returns the fingerprint in the little endian form PSBT records
// use.
func (f Fingerprint) Uint32() uint32 {
	return binary.LittleEndian.Uint32(f[:])
}

// FingerprintFromUint32 is the inverse of Uint32.
func FingerprintFromUint32(v uint32) Fingerprint {
	var f Fingerprint
	binary.LittleEndian.PutUint32(f[:], v)

	return f
}

// ParseFingerprint decodes eight hex characters.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != 2*len(f) {
		return f, fmt.Errorf("%w: fingerprint %q must be 8 hex "+
			"characters", ErrInvalidKeyExpr, s)
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("%w: fingerprint %q: %v",
			ErrInvalidKeyExpr, s, err)
	}

	return f, nil
}

// FingerprintOf returns the fingerprint of an extended key.
func FingerprintOf(key *hdkeychain.ExtendedKey) (Fingerprint, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return Fingerprint{}, errorcodes.Wrap(
			errorcodes.DerivationFailed, err, "",
		)
	}

	return pubKeyFingerprint(pub.SerializeCompressed()), nil
}

func pubKeyFingerprint(serialized []byte) Fingerprint {
	var f Fingerprint
	copy(f[:], btcutil.Hash160(serialized))

	return f
}

// KeyOrigin records where a key sits below its master key.
type KeyOrigin struct {
	// Fingerprint is the fingerprint of the master key.
	Fingerprint Fingerprint

	// Path leads from the master key to the key.
	Path DerivationPath
}

// Wildcard tells whether a key expression stands for a range of child keys.
type Wildcard uint8

const (
	// WildcardNone marks a single key.
	WildcardNone Wildcard = iota

	// WildcardUnhardened marks a range ending in /*.
	WildcardUnhardened

	// WildcardHardened marks a range ending in /*h.
	WildcardHardened
)

// KeyExpr is a parsed descriptor key expression:
// [fingerprint/path]KEY/path/* where KEY is an extended key, a hex encoded
// public key or a WIF private key.
type KeyExpr struct {
	raw        string
	originText string
	suffixText string

	// Origin is the optional key origin.
	Origin fn.Option[KeyOrigin]

	// ExtKey is set for extended keys.
	ExtKey *hdkeychain.ExtendedKey

	// PubKey is set for single keys.
	PubKey *btcec.PublicKey

	// WIF is set for single private keys.
	WIF *btcutil.WIF

	// Path is derived below ExtKey before the wildcard step.
	Path DerivationPath

	// Wildcard tells whether a final child index is applied.
	Wildcard Wildcard

	compressed bool
}

// ParseKeyExpr parses a key expression. The original text is kept and
// returned by String.
func ParseKeyExpr(s string) (*KeyExpr, error) {
	expr := &KeyExpr{raw: s, compressed: true}
	rest := s

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			return nil, fmt.Errorf("%w: unterminated key origin in %q",
				ErrInvalidKeyExpr, s)
		}

		origin, err := parseOrigin(rest[1:end])
		if err != nil {
			return nil, err
		}
		expr.Origin = fn.Some(origin)
		expr.originText = rest[:end+1]
		rest = rest[end+1:]
	}

	keyText, suffix, _ := strings.Cut(rest, "/")
	if keyText == "" {
		return nil, fmt.Errorf("%w: missing key in %q",
			ErrInvalidKeyExpr, s)
	}
	if err := expr.parseKey(keyText); err != nil {
		return nil, err
	}

	if len(rest) > len(keyText) {
		expr.suffixText = rest[len(keyText):]
		if expr.ExtKey == nil {
			return nil, fmt.Errorf("%w: derivation steps after a "+
				"single key in %q", ErrInvalidKeyExpr, s)
		}
		if err := expr.parseSuffix(suffix); err != nil {
			return nil, err
		}
	}

	return expr, nil
}

func parseOrigin(text string) (KeyOrigin, error) {
	fpText, pathText, hasPath := strings.Cut(text, "/")

	fingerprint, err := ParseFingerprint(fpText)
	if err != nil {
		return KeyOrigin{}, err
	}

	origin := KeyOrigin{Fingerprint: fingerprint, Path: DerivationPath{}}
	if hasPath {
		path, err := ParseDerivationPath(pathText)
		if err != nil {
			return KeyOrigin{}, fmt.Errorf("%w: origin path: %v",
				ErrInvalidKeyExpr, err)
		}
		origin.Path = path
	}

	return origin, nil
}

func (k *KeyExpr) parseKey(text string) error {
	if isHex(text) && (len(text) == 66 || len(text) == 130) {
		raw, _ := hex.DecodeString(text)
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("%w: public key: %v",
				ErrInvalidKeyExpr, err)
		}
		k.PubKey = pub
		k.compressed = len(raw) == btcec.PubKeyBytesLenCompressed

		return nil
	}

	if extKey, err := hdkeychain.NewKeyFromString(text); err == nil {
		k.ExtKey = extKey
		return nil
	}

	wif, err := btcutil.DecodeWIF(text)
	if err != nil {
		return fmt.Errorf("%w: %q is neither an extended key, a hex "+
			"public key nor a WIF key", ErrInvalidKeyExpr, text)
	}
	k.WIF = wif
	k.PubKey = wif.PrivKey.PubKey()
	k.compressed = wif.CompressPubKey

	return nil
}

func (k *KeyExpr) parseSuffix(suffix string) error {
	parts := strings.Split(suffix, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "*") {
			if i != len(parts)-1 {
				return fmt.Errorf("%w: wildcard must be the last "+
					"step in %q", ErrInvalidKeyExpr, k.raw)
			}

			switch part {
			case "*":
				k.Wildcard = WildcardUnhardened
			case "*'", "*h", "*H":
				k.Wildcard = WildcardHardened
			default:
				return fmt.Errorf("%w: bad wildcard %q",
					ErrInvalidKeyExpr, part)
			}

			continue
		}

		step, err := parsePathStep(part)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeyExpr, err)
		}
		k.Path = append(k.Path, step)
	}

	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f',
			r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

// String returns the expression exactly as it was parsed.
func (k *KeyExpr) String() string {
	return k.raw
}

// IsPrivate reports whether the expression carries private key material.
func (k *KeyExpr) IsPrivate() bool {
	if k.ExtKey != nil {
		return k.ExtKey.IsPrivate()
	}

	return k.WIF != nil
}

// IsRange reports whether the expression ends in a wildcard.
func (k *KeyExpr) IsRange() bool {
	return k.Wildcard != WildcardNone
}

// IsCompressed reports whether the key serializes to 33 bytes.
func (k *KeyExpr) IsCompressed() bool {
	return k.compressed
}

// IsForNet reports whether the key belongs to net. Hex public keys carry no
// network and always match.
func (k *KeyExpr) IsForNet(net *chaincfg.Params) bool {
	switch {
	case k.ExtKey != nil:
		return k.ExtKey.IsForNet(net)
	case k.WIF != nil:
		return k.WIF.IsForNet(net)
	default:
		return true
	}
}

// Public returns the expression with private key material replaced by its
// public counterpart. Public expressions are returned as is.
func (k *KeyExpr) Public() (*KeyExpr, error) {
	if !k.IsPrivate() {
		return k, nil
	}

	pub := *k
	pub.WIF = nil
	if k.ExtKey != nil {
		neutered, err := k.ExtKey.Neuter()
		if err != nil {
			return nil, errorcodes.Wrap(
				errorcodes.DerivationFailed, err, "",
			)
		}
		pub.ExtKey = neutered
		pub.raw = k.originText + neutered.String() + k.suffixText

		return &pub, nil
	}

	serialized := k.serialize(k.PubKey)
	pub.raw = k.originText + hex.EncodeToString(serialized)

	return &pub, nil
}

// ChildPath returns the steps applied below the key for the given child
// index, the wildcard step included.
func (k *KeyExpr) ChildPath(index uint32) DerivationPath {
	switch k.Wildcard {
	case WildcardUnhardened:
		return k.Path.Extend(PathStep{Index: index})
	case WildcardHardened:
		return k.Path.Extend(PathStep{Index: index, Hardened: true})
	default:
		return k.Path
	}
}

// PubKeyAt returns the public key the expression stands for at the given
// child index. The index is ignored for expressions without a wildcard.
func (k *KeyExpr) PubKeyAt(index uint32) (*btcec.PublicKey, error) {
	if k.ExtKey == nil {
		return k.PubKey, nil
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, errorcodes.Newf(
			errorcodes.DerivationFailed,
			"child index %d out of range", index,
		)
	}

	child, err := DeriveKey(k.ExtKey, k.ChildPath(index))
	if err != nil {
		return nil, err
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, errorcodes.Wrap(errorcodes.DerivationFailed, err, "")
	}

	return pub, nil
}

// SerializedPubKeyAt returns the public key at index in the encoding used
// inside scripts.
func (k *KeyExpr) SerializedPubKeyAt(index uint32) ([]byte, error) {
	pub, err := k.PubKeyAt(index)
	if err != nil {
		return nil, err
	}

	return k.serialize(pub), nil
}

func (k *KeyExpr) serialize(pub *btcec.PublicKey) []byte {
	if k.compressed {
		return pub.SerializeCompressed()
	}

	return pub.SerializeUncompressed()
}

// MasterFingerprint returns the origin fingerprint, or the fingerprint of the
// key itself when no origin is given.
func (k *KeyExpr) MasterFingerprint() (Fingerprint, error) {
	if k.Origin.IsSome() {
		return k.Origin.UnsafeFromSome().Fingerprint, nil
	}

	if k.ExtKey != nil {
		return FingerprintOf(k.ExtKey)
	}

	return pubKeyFingerprint(k.PubKey.SerializeCompressed()), nil
}

// FullPath returns the path from the master key to the child at index.
func (k *KeyExpr) FullPath(index uint32) DerivationPath {
	origin := k.Origin.UnwrapOr(KeyOrigin{})

	return origin.Path.Extend(k.ChildPath(index)...)
}

// Bip32Derivation returns the PSBT key origin record of the child at index.
func (k *KeyExpr) Bip32Derivation(index uint32) (*psbt.Bip32Derivation,
	error) {

	pub, err := k.SerializedPubKeyAt(index)
	if err != nil {
		return nil, err
	}
	fingerprint, err := k.MasterFingerprint()
	if err != nil {
		return nil, err
	}

	return &psbt.Bip32Derivation{
		PubKey:               pub,
		MasterKeyFingerprint: fingerprint.Uint32(),
		Bip32Path:            k.FullPath(index).ChildIndexes(),
	}, nil
}

func originText(fingerprint Fingerprint, path DerivationPath) string {
	return "[" + fingerprint.String() + strings.TrimPrefix(
		path.String(), "m",
	) + "]"
}

// KeyMap resolves key identifiers, either verbatim key expression text or an
// @alias, to parsed expressions.
type KeyMap map[string]*KeyExpr

// IsAlias reports whether id is an @alias rather than an inline key.
func IsAlias(id string) bool {
	return strings.HasPrefix(id, "@")
}

// Resolve returns the expression of id.
func (m KeyMap) Resolve(id string) (*KeyExpr, error) {
	expr, ok := m[id]
	if !ok || expr == nil {
		return nil, errorcodes.Newf(
			errorcodes.UnresolvedKey, "key %q is not in the key map",
			id,
		)
	}

	return expr, nil
}

// Merge returns a new map holding the entries of m, with the entries of
// other filling the identifiers m lacks.
func (m KeyMap) Merge(other KeyMap) KeyMap {
	merged := make(KeyMap, len(m)+len(other))
	for id, expr := range other {
		merged[id] = expr
	}
	for id, expr := range m {
		merged[id] = expr
	}

	return merged
}

// ParseKeyMap parses alias definitions of the form @name=KEY.
func ParseKeyMap(defs ...string) (KeyMap, error) {
	keys := make(KeyMap, len(defs))
	for _, def := range defs {
		id, text, ok := strings.Cut(def, "=")
		if !ok || !IsAlias(id) || len(id) == 1 {
			return nil, fmt.Errorf("%w: alias definition %q must "+
				"have the form @name=KEY", ErrInvalidKeyExpr, def)
		}

		expr, err := ParseKeyExpr(text)
		if err != nil {
			return nil, err
		}
		keys[id] = expr
	}

	return keys, nil
}
