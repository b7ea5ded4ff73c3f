package lifecycle

import (
	"errors"
	"fmt"
)

// Kind tags every failure a Controller operation can return. Callers branch
// on it (or on the matching sentinel via errors.Is) because the remedy for
// each differs.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidLink
	KindWrongPasswordOrCorruptLink
	KindVoucherExpired
	KindInvalidClaimant
	KindInvalidAmount
	KindInvalidToken
	KindConfirmationRequired
	KindForbidden
	KindNotFound
	KindAlreadyRedeemed
	KindInsufficientBalance
	KindInsufficientGas
	KindLedger
	KindCancelFailed
	KindEntropyUnavailable
)

// Class groups kinds by how the caller should react.
type Class int

const (
	ClassValidation Class = iota // fix the input and retry
	ClassLedger                  // on-chain outcome; re-invoke with fresh state
	ClassBestEffort              // never returned as an error, only as a Warning
	ClassFatal                   // cannot proceed
)

var (
	ErrInternal                   = errors.New("internal error")
	ErrInvalidLink                = errors.New("invalid voucher link")
	ErrWrongPasswordOrCorruptLink = errors.New("wrong password or corrupt link")
	ErrVoucherExpired             = errors.New("voucher expired")
	ErrInvalidClaimant            = errors.New("invalid claimant address")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidToken               = errors.New("unknown or unconfigured token")
	ErrConfirmationRequired       = errors.New("explicit confirmation required")
	ErrForbidden                  = errors.New("caller is not the voucher creator")
	ErrNotFound                   = errors.New("voucher not found")
	ErrAlreadyRedeemed            = errors.New("voucher already redeemed")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientGas            = errors.New("bearer cannot pay the transfer fee")
	ErrLedger                     = errors.New("ledger error")
	ErrCancelFailed               = errors.New("cancel failed")
	ErrEntropyUnavailable         = errors.New("entropy unavailable")
)

var kindSentinels = map[Kind]error{
	KindInternal:                   ErrInternal,
	KindInvalidLink:                ErrInvalidLink,
	KindWrongPasswordOrCorruptLink: ErrWrongPasswordOrCorruptLink,
	KindVoucherExpired:             ErrVoucherExpired,
	KindInvalidClaimant:            ErrInvalidClaimant,
	KindInvalidAmount:              ErrInvalidAmount,
	KindInvalidToken:               ErrInvalidToken,
	KindConfirmationRequired:       ErrConfirmationRequired,
	KindForbidden:                  ErrForbidden,
	KindNotFound:                   ErrNotFound,
	KindAlreadyRedeemed:            ErrAlreadyRedeemed,
	KindInsufficientBalance:        ErrInsufficientBalance,
	KindInsufficientGas:            ErrInsufficientGas,
	KindLedger:                     ErrLedger,
	KindCancelFailed:               ErrCancelFailed,
	KindEntropyUnavailable:         ErrEntropyUnavailable,
}

func (k Kind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Class() Class {
	switch k {
	case KindInvalidLink, KindWrongPasswordOrCorruptLink, KindVoucherExpired,
		KindInvalidClaimant, KindInvalidAmount, KindInvalidToken, KindConfirmationRequired,
		KindForbidden, KindNotFound:
		return ClassValidation
	case KindAlreadyRedeemed, KindInsufficientBalance, KindInsufficientGas,
		KindLedger, KindCancelFailed:
		return ClassLedger
	}
	return ClassFatal
}

// Error is the single error type returned by Controller operations.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Warning reports a best-effort step that failed without failing the
// operation.
type Warning struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

const (
	StepGasTopUp     = "gas_top_up"
	StepFundingCheck = "funding_check"
	StepGasSweep     = "gas_sweep"
	StepIndexSync    = "index_sync"
	StepReclaimKey   = "reclaim_key"
	StepStaleListing = "stale_listing"
)
