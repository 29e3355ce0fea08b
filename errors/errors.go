// Package errors provides error handling for tenantpulse.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, hints and details from one import:
//
//	if err := store.CreateExecution(ctx, exec); err != nil {
//	    err = errors.Wrap(err, "failed to persist execution")
//	    return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", exec.ID))
//	}
//
// Sentinels below are matched with errors.Is. Typed errors elsewhere in the
// module (engine.UnknownJobError, tenant.NoTenantContextError, ...) implement
// Is against these sentinels so callers can branch on either form.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required collaborator is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrNoTenantContext indicates a tenant-scoped call was made without a tenant in context
	ErrNoTenantContext = New("no tenant context")

	// ErrMissingDatabaseConfig indicates the registry has no database config for a tenant
	ErrMissingDatabaseConfig = New("missing tenant database config")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// StackString renders err with its full cause chain and stack, for persisting
// alongside a failed execution.
func StackString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
