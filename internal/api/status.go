package api

import (
	"net/http"

	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
)

var kindStatus = map[lifecycle.Kind]int{
	lifecycle.KindInvalidLink:                http.StatusBadRequest,
	lifecycle.KindInvalidAmount:              http.StatusBadRequest,
	lifecycle.KindInvalidToken:               http.StatusBadRequest,
	lifecycle.KindInvalidClaimant:            http.StatusBadRequest,
	lifecycle.KindConfirmationRequired:       http.StatusBadRequest,
	lifecycle.KindWrongPasswordOrCorruptLink: http.StatusUnauthorized,
	lifecycle.KindForbidden:                  http.StatusForbidden,
	lifecycle.KindNotFound:                   http.StatusNotFound,
	lifecycle.KindAlreadyRedeemed:            http.StatusConflict,
	lifecycle.KindVoucherExpired:             http.StatusGone,
	lifecycle.KindInsufficientBalance:        http.StatusUnprocessableEntity,
	lifecycle.KindInsufficientGas:            http.StatusUnprocessableEntity,
	lifecycle.KindCancelFailed:               http.StatusUnprocessableEntity,
	lifecycle.KindLedger:                     http.StatusBadGateway,
}

// StatusOf maps an error kind to its HTTP status. Unlisted kinds are 500.
func StatusOf(k lifecycle.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

var kindCode = map[lifecycle.Kind]string{
	lifecycle.KindInternal:                   "internal",
	lifecycle.KindInvalidLink:                "invalid_link",
	lifecycle.KindWrongPasswordOrCorruptLink: "wrong_password_or_corrupt_link",
	lifecycle.KindVoucherExpired:             "voucher_expired",
	lifecycle.KindInvalidClaimant:            "invalid_claimant",
	lifecycle.KindInvalidAmount:              "invalid_amount",
	lifecycle.KindInvalidToken:               "invalid_token",
	lifecycle.KindConfirmationRequired:       "confirmation_required",
	lifecycle.KindForbidden:                  "forbidden",
	lifecycle.KindNotFound:                   "not_found",
	lifecycle.KindAlreadyRedeemed:            "already_redeemed",
	lifecycle.KindInsufficientBalance:        "insufficient_balance",
	lifecycle.KindInsufficientGas:            "insufficient_gas",
	lifecycle.KindLedger:                     "ledger",
	lifecycle.KindCancelFailed:               "cancel_failed",
	lifecycle.KindEntropyUnavailable:         "entropy_unavailable",
}

// CodeOf returns the stable machine-readable code clients branch on.
func CodeOf(k lifecycle.Kind) string {
	if s, ok := kindCode[k]; ok {
		return s
	}
	return "internal"
}
