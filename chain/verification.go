package chain

import (
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/mempool"
)

// Reason names the rule a block or transaction broke.
type Reason uint8

const (
	ReasonNone Reason = iota

	// Structural.
	ReasonParseFailed
	ReasonBadVersion
	ReasonBadType
	ReasonBadTimestamp
	ReasonTooManyOutputs
	ReasonTooFewOutputs

	// Consensus.
	ReasonWrongPrev
	ReasonLowDifficulty
	ReasonBadPulseSignature
	ReasonBadMinerTx
	ReasonOverweight
	ReasonWrongReward
	ReasonCheckpointMismatch
	ReasonMissingTx
	ReasonAltChainRefused
	// ReasonKnownInvalid is a block rejected before.
	ReasonKnownInvalid

	// Inputs.
	ReasonDoubleSpend
	ReasonLowMixin
	ReasonUnsortedInputs
	ReasonKeyImageBlacklisted
	ReasonKeyImageLockedBySN
	ReasonBadRingSig
	ReasonInvalidOutput
	ReasonOutputTooYoung
	ReasonInvalidInput
	ReasonFeeTooLow

	// Service nodes and names.
	ReasonStateChangeInvalid
	ReasonUnlockNotLocked
	ReasonUnlockAlreadyRequested
	ReasonOnsValidation

	// ReasonInternal is a store or subsystem failure rather than a broken
	// rule.
	ReasonInternal
)

var reasonNames = map[Reason]string{
	ReasonNone:                   "none",
	ReasonParseFailed:            "parse_failed",
	ReasonBadVersion:             "bad_version",
	ReasonBadType:                "bad_type",
	ReasonBadTimestamp:           "bad_timestamp",
	ReasonTooManyOutputs:         "too_many_outputs",
	ReasonTooFewOutputs:          "too_few_outputs",
	ReasonWrongPrev:              "wrong_prev",
	ReasonLowDifficulty:          "low_difficulty",
	ReasonBadPulseSignature:      "bad_pulse_signature",
	ReasonBadMinerTx:             "bad_miner_tx",
	ReasonOverweight:             "overweight",
	ReasonWrongReward:            "wrong_reward",
	ReasonCheckpointMismatch:     "checkpoint_mismatch",
	ReasonMissingTx:              "missing_tx",
	ReasonAltChainRefused:        "alt_chain_refused",
	ReasonKnownInvalid:           "known_invalid",
	ReasonDoubleSpend:            "double_spend",
	ReasonLowMixin:               "low_mixin",
	ReasonUnsortedInputs:         "unsorted_inputs",
	ReasonKeyImageBlacklisted:    "key_image_blacklisted",
	ReasonKeyImageLockedBySN:     "key_image_locked_by_sn",
	ReasonBadRingSig:             "bad_ring_sig",
	ReasonInvalidOutput:          "invalid_output",
	ReasonOutputTooYoung:         "output_too_young",
	ReasonInvalidInput:           "invalid_input",
	ReasonFeeTooLow:              "fee_too_low",
	ReasonStateChangeInvalid:     "state_change_invalid",
	ReasonUnlockNotLocked:        "unlock_not_locked",
	ReasonUnlockAlreadyRequested: "unlock_already_requested",
	ReasonOnsValidation:          "ons_validation",
	ReasonInternal:               "internal",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// ValidationError is a broken consensus rule.
type ValidationError struct {
	Reason Reason
	Err    error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(r Reason, format string, args ...any) error {
	return &ValidationError{Reason: r, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the broken rule from err. Errors that are not
// validation errors count as ReasonInternal.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonInternal
}

// poolReason maps a transaction rule onto the pool's rejection reasons.
func poolReason(r Reason) mempool.Reason {
	switch r {
	case ReasonNone:
		return mempool.ReasonNone
	case ReasonFeeTooLow:
		return mempool.ReasonTooLow
	case ReasonDoubleSpend:
		return mempool.ReasonDoubleSpend
	case ReasonOverweight:
		return mempool.ReasonOverweight
	case ReasonBadRingSig:
		return mempool.ReasonBadSignature
	case ReasonOutputTooYoung:
		return mempool.ReasonAgeNotYetMet
	case ReasonKeyImageBlacklisted:
		return mempool.ReasonBlacklistedKeyImage
	case ReasonKeyImageLockedBySN:
		return mempool.ReasonSNKeyImageLocked
	default:
		return mempool.ReasonInvalid
	}
}

// BlockVerificationContext is the outcome of AddNewBlock.
type BlockVerificationContext struct {
	AddedToMainChain   bool
	AddedToAltChain    bool
	MarkedAsOrphaned   bool
	AlreadyExists      bool
	VerificationFailed bool
	// SwitchedToAltChain is set when the block made its alternative chain
	// the main chain.
	SwitchedToAltChain bool
	Reason             Reason
}

func (c *BlockVerificationContext) fail(err error) {
	c.VerificationFailed = true
	c.Reason = ReasonOf(err)
}

// TxVerificationContext is the outcome of CheckTxInputs.
type TxVerificationContext struct {
	VerificationFailed bool
	Reason             Reason
}

func txContext(err error) TxVerificationContext {
	if err == nil {
		return TxVerificationContext{}
	}
	return TxVerificationContext{VerificationFailed: true, Reason: ReasonOf(err)}
}
