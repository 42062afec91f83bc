package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorVerificationNoChain       = "ENTITLEMENT_VERIFICATION_NO_CHAIN"
	ErrorVerificationChainBroken   = "ENTITLEMENT_VERIFICATION_CHAIN_BROKEN"
	ErrorVerificationUntrustedRoot = "ENTITLEMENT_VERIFICATION_UNTRUSTED_ROOT"
	ErrorVerificationBadSignature  = "ENTITLEMENT_VERIFICATION_BAD_SIGNATURE"
	ErrorVerificationMalformed     = "ENTITLEMENT_VERIFICATION_MALFORMED"
	ErrorBundleMismatch            = "ENTITLEMENT_BUNDLE_MISMATCH"
	ErrorProductMismatch           = "ENTITLEMENT_PRODUCT_MISMATCH"
	ErrorAccountMismatch           = "ENTITLEMENT_ACCOUNT_MISMATCH"
	ErrorUpstreamUnavailable       = "ENTITLEMENT_UPSTREAM_UNAVAILABLE"
	ErrorTransactionNotFound       = "ENTITLEMENT_TRANSACTION_NOT_FOUND"
	ErrorAccountUnresolved         = "ENTITLEMENT_ACCOUNT_UNRESOLVED"
	ErrorAccountNotFound           = "ENTITLEMENT_ACCOUNT_NOT_FOUND"
	ErrorProductUnknown            = "ENTITLEMENT_PRODUCT_UNKNOWN"
	ErrorBadInput                  = "ENTITLEMENT_BAD_INPUT"
	ErrorInternal                  = "ENTITLEMENT_INTERNAL_ERROR"
)

var (
	ErrTransactionNotFound = errors.New("core: transaction not found")
	ErrAccountNotFound     = errors.New("core: account not found")
)

type VerificationReason string

const (
	VerificationNoChain       VerificationReason = "no_chain"
	VerificationChainBroken   VerificationReason = "chain_broken"
	VerificationUntrustedRoot VerificationReason = "untrusted_root"
	VerificationBadSignature  VerificationReason = "bad_signature"
	VerificationMalformed     VerificationReason = "malformed"
	VerificationBundle        VerificationReason = "bundle_mismatch"
)

var verificationTextCodes = map[VerificationReason]string{
	VerificationNoChain:       ErrorVerificationNoChain,
	VerificationChainBroken:   ErrorVerificationChainBroken,
	VerificationUntrustedRoot: ErrorVerificationUntrustedRoot,
	VerificationBadSignature:  ErrorVerificationBadSignature,
	VerificationMalformed:     ErrorVerificationMalformed,
	VerificationBundle:        ErrorBundleMismatch,
}

// NewVerificationError builds the rejection returned for any signed payload
// that fails verification. No claims accompany it.
func NewVerificationError(reason VerificationReason, message string, cause error) *goerrors.Error {
	textCode, ok := verificationTextCodes[reason]
	if !ok {
		reason = VerificationMalformed
		textCode = ErrorVerificationMalformed
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "signed payload verification failed"
	}
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, goerrors.CategoryAuth, message)
	} else {
		err = goerrors.New(message, goerrors.CategoryAuth)
	}
	err = err.WithCode(http.StatusBadRequest).WithTextCode(textCode)
	err.WithMetadata(map[string]any{"verification_reason": string(reason)})
	return err
}

// VerificationReasonOf reports the failure reason carried by err, if err is
// a verification rejection.
func VerificationReasonOf(err error) (VerificationReason, bool) {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich == nil {
		return "", false
	}
	for reason, code := range verificationTextCodes {
		if rich.TextCode == code {
			return reason, true
		}
	}
	return "", false
}

func IsVerificationFailure(err error) bool {
	_, ok := VerificationReasonOf(err)
	return ok
}

func TextCodeOf(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich != nil {
		return rich.TextCode
	}
	return ""
}

func newEntitlementError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewProductMismatchError(claimed, verified string) *goerrors.Error {
	return newEntitlementError(
		"core: claimed product does not match verified transaction",
		goerrors.CategoryBadInput,
		http.StatusUnprocessableEntity,
		ErrorProductMismatch,
		map[string]any{"claimed_product_id": claimed, "verified_product_id": verified},
	)
}

func NewAccountMismatchError(transactionID string) *goerrors.Error {
	return newEntitlementError(
		"core: transaction is bound to a different account",
		goerrors.CategoryAuthz,
		http.StatusForbidden,
		ErrorAccountMismatch,
		map[string]any{"transaction_id": transactionID},
	)
}

func NewUpstreamUnavailableError(cause error) *goerrors.Error {
	err := goerrors.Wrap(cause, goerrors.CategoryExternal, "core: transaction lookup unavailable").
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(ErrorUpstreamUnavailable)
	return err
}

func NewTransactionNotFoundError(transactionID string) *goerrors.Error {
	return newEntitlementError(
		"core: transaction not found",
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorTransactionNotFound,
		map[string]any{"transaction_id": transactionID},
	)
}

func NewAccountUnresolvedError(originalTransactionID string) *goerrors.Error {
	return newEntitlementError(
		"core: account could not be resolved",
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorAccountUnresolved,
		map[string]any{"original_transaction_id": originalTransactionID},
	)
}

func NewProductUnknownError(productID string) *goerrors.Error {
	return newEntitlementError(
		"core: product is not in the catalog",
		goerrors.CategoryBadInput,
		http.StatusUnprocessableEntity,
		ErrorProductUnknown,
		map[string]any{"product_id": productID},
	)
}

func entitlementErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrAccountNotFound):
		return newEntitlementError(err.Error(), goerrors.CategoryNotFound, http.StatusNotFound, ErrorAccountNotFound, nil)
	case errors.Is(err, ErrTransactionNotFound):
		return newEntitlementError(err.Error(), goerrors.CategoryNotFound, http.StatusNotFound, ErrorTransactionNotFound, nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryOperation, err.Error()))
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput).WithTextCode(ErrorBadInput))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorAccountNotFound
	case goerrors.CategoryExternal:
		return ErrorUpstreamUnavailable
	default:
		return ErrorInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
