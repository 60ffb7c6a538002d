package policy

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stackmate/keypolicy/errorcodes"
)

// Condition is what a spending path demands: signatures of Signers and the
// strictest of the timelocks met along it.
type Condition struct {
	// Signers lists key identifiers in order of first appearance.
	Signers []string

	// AbsoluteTimelock is the nLockTime the spend must carry.
	AbsoluteTimelock fn.Option[uint32]

	// RelativeTimelock is the nSequence the spend must carry.
	RelativeTimelock fn.Option[uint32]
}

// IsAbsoluteHeight reports whether an absolute timelock counts blocks rather
// than seconds.
func IsAbsoluteHeight(lockTime uint32) bool {
	return lockTime < txscript.LockTimeThreshold
}

// IsRelativeHeight reports whether a relative timelock counts blocks rather
// than 512 second units.
func IsRelativeHeight(sequence uint32) bool {
	return sequence&wire.SequenceLockTimeIsSeconds == 0
}

// Merge returns the condition of satisfying both c and other: the union of
// their signers and the larger of each timelock. Timelocks of one kind that
// disagree on their unit cannot be met by a single transaction.
func (c Condition) Merge(other Condition) (Condition, error) {
	abs, err := mergeTimelock(
		c.AbsoluteTimelock, other.AbsoluteTimelock, IsAbsoluteHeight,
	)
	if err != nil {
		return Condition{}, errorcodes.Wrap(
			errorcodes.IncompatibleConditions, err,
			"absolute timelocks mix heights and times",
		)
	}

	rel, err := mergeTimelock(
		c.RelativeTimelock, other.RelativeTimelock, IsRelativeHeight,
	)
	if err != nil {
		return Condition{}, errorcodes.Wrap(
			errorcodes.IncompatibleConditions, err,
			"relative timelocks mix blocks and seconds",
		)
	}

	signers := make([]string, 0, len(c.Signers)+len(other.Signers))
	signers = append(signers, c.Signers...)
	for _, id := range other.Signers {
		if !fn.Elem(id, signers) {
			signers = append(signers, id)
		}
	}

	return Condition{
		Signers:          signers,
		AbsoluteTimelock: abs,
		RelativeTimelock: rel,
	}, nil
}

var errMixedUnits = errorcodes.New(
	errorcodes.IncompatibleConditions, "mixed timelock units",
)

func mergeTimelock(a, b fn.Option[uint32],
	isHeight func(uint32) bool) (fn.Option[uint32], error) {

	if a.IsNone() {
		return b, nil
	}
	if b.IsNone() {
		return a, nil
	}

	x, y := a.UnsafeFromSome(), b.UnsafeFromSome()
	if isHeight(x) != isHeight(y) {
		return fn.None[uint32](), errMixedUnits
	}
	if y > x {
		return b, nil
	}

	return a, nil
}

// Equal reports whether both conditions list the same signers in the same
// order and the same timelocks.
func (c Condition) Equal(other Condition) bool {
	if len(c.Signers) != len(other.Signers) {
		return false
	}
	for i := range c.Signers {
		if c.Signers[i] != other.Signers[i] {
			return false
		}
	}

	return c.AbsoluteTimelock == other.AbsoluteTimelock &&
		c.RelativeTimelock == other.RelativeTimelock
}

// MergeAll folds Merge over conds, starting from the empty condition.
func MergeAll(conds ...Condition) (Condition, error) {
	var (
		merged Condition
		err    error
	)
	for _, cond := range conds {
		merged, err = merged.Merge(cond)
		if err != nil {
			return Condition{}, err
		}
	}

	return merged, nil
}

// ConditionRecord is the flat form of a Condition used for JSON output.
type ConditionRecord struct {
	Signers          []string `json:"signers"`
	AbsoluteTimelock *uint32  `json:"absolute_timelock,omitempty"`
	RelativeTimelock *uint32  `json:"relative_timelock,omitempty"`
}

// Record returns the flat form of c.
func (c Condition) Record() ConditionRecord {
	toPtr := func(o fn.Option[uint32]) *uint32 {
		return fn.ElimOption(o, func() *uint32 { return nil },
			func(v uint32) *uint32 { return &v })
	}

	signers := c.Signers
	if signers == nil {
		signers = []string{}
	}

	return ConditionRecord{
		Signers:          signers,
		AbsoluteTimelock: toPtr(c.AbsoluteTimelock),
		RelativeTimelock: toPtr(c.RelativeTimelock),
	}
}
