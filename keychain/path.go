package keychain

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/stackmate/keypolicy/errorcodes"
)

// PathStep is a single child index of a derivation path.
type PathStep struct {
	// Index is the child number without the hardened offset.
	Index uint32

	// Hardened is true for hardened steps.
	Hardened bool
}

// ChildIndex returns the index as passed to hdkeychain, with the hardened
// offset applied.
func (s PathStep) ChildIndex() uint32 {
	if s.Hardened {
		return s.Index + hdkeychain.HardenedKeyStart
	}

	return s.Index
}

// String renders the step using the h hardened marker.
func (s PathStep) String() string {
	if s.Hardened {
		return strconv.FormatUint(uint64(s.Index), 10) + "h"
	}

	return strconv.FormatUint(uint64(s.Index), 10)
}

// DerivationPath is an ordered sequence of child steps. Values are never
// mutated after construction.
type DerivationPath []PathStep

// HardenedPath builds a path of hardened steps.
func HardenedPath(indexes ...uint32) DerivationPath {
	path := make(DerivationPath, len(indexes))
	for i, index := range indexes {
		path[i] = PathStep{Index: index, Hardened: true}
	}

	return path
}

// ParseDerivationPath parses an absolute path such as m/84h/1h/0h, the root
// path m, or a relative path such as 0/5. Hardened steps may be marked with
// h, H or '.
func ParseDerivationPath(path string) (DerivationPath, error) {
	path = strings.TrimSpace(path)
	if len(path) == 0 {
		return nil, errorcodes.New(
			errorcodes.InvalidDerivationPath, "path cannot be empty",
		)
	}

	// Just the root key, no path was provided. This is valid but not
	// useful in most cases.
	if path == "m" {
		return DerivationPath{}, nil
	}
	rest := strings.TrimPrefix(path, "m/")

	parts := strings.Split(rest, "/")
	steps := make(DerivationPath, 0, len(parts))
	for _, part := range parts {
		step, err := parsePathStep(part)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return steps, nil
}

// ParseAbsolutePath parses a path that starts at the master key, m or
// m/84h/1h/0h. Relative paths are rejected.
func ParseAbsolutePath(path string) (DerivationPath, error) {
	path = strings.TrimSpace(path)
	if path != "m" && !strings.HasPrefix(path, "m/") {
		return nil, errorcodes.Newf(
			errorcodes.InvalidDerivationPath, "path %q must start "+
				"at the master key m", path,
		)
	}

	return ParseDerivationPath(path)
}

// parsePathStep parses one child number with an optional hardened marker.
func parsePathStep(part string) (PathStep, error) {
	var step PathStep
	switch {
	case strings.HasSuffix(part, "'"), strings.HasSuffix(part, "h"),
		strings.HasSuffix(part, "H"):

		step.Hardened = true
		part = part[:len(part)-1]
	}

	index, err := parseChildNumber(part)
	if err != nil {
		return PathStep{}, err
	}
	step.Index = index

	return step, nil
}

// parseChildNumber parses a decimal child number below the hardened offset.
// Signs and surrounding whitespace are rejected.
func parseChildNumber(s string) (uint32, error) {
	if s == "" || strings.IndexFunc(s, isNotDigit) != -1 {
		return 0, errorcodes.Newf(
			errorcodes.InvalidDerivationPath,
			"could not parse part %q", s,
		)
	}

	index, err := strconv.ParseUint(s, 10, 32)
	if err != nil || index >= hdkeychain.HardenedKeyStart {
		return 0, errorcodes.Newf(
			errorcodes.InvalidDerivationPath,
			"child number %q out of range", s,
		)
	}

	return uint32(index), nil
}

func isNotDigit(r rune) bool {
	return r < '0' || r > '9'
}

// String renders the path in absolute form, m/84h/1h/0h.
func (p DerivationPath) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, step := range p {
		b.WriteString("/")
		b.WriteString(step.String())
	}

	return b.String()
}

// Equal reports whether both paths hold the same steps.
func (p DerivationPath) Equal(other DerivationPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// PathFromIndexes builds a path from hdkeychain child numbers, the inverse
// of ChildIndexes.
func PathFromIndexes(indexes []uint32) DerivationPath {
	path := make(DerivationPath, len(indexes))
	for i, index := range indexes {
		if index >= hdkeychain.HardenedKeyStart {
			path[i] = PathStep{
				Index:    index - hdkeychain.HardenedKeyStart,
				Hardened: true,
			}
			continue
		}
		path[i] = PathStep{Index: index}
	}

	return path
}

// ChildIndexes returns the hdkeychain child numbers of the path, in the form
// PSBT key origin records use.
func (p DerivationPath) ChildIndexes() []uint32 {
	indexes := make([]uint32, len(p))
	for i, step := range p {
		indexes[i] = step.ChildIndex()
	}

	return indexes
}

// HasHardened reports whether any step of the path is hardened.
func (p DerivationPath) HasHardened() bool {
	for _, step := range p {
		if step.Hardened {
			return true
		}
	}

	return false
}

// Extend returns a new path with the given steps appended.
func (p DerivationPath) Extend(steps ...PathStep) DerivationPath {
	path := make(DerivationPath, 0, len(p)+len(steps))
	path = append(path, p...)

	return append(path, steps...)
}
