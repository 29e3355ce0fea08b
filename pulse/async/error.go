package async

import (
	"context"
	"strings"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeSchemaNotFound  ErrorCode = "schema_not_found"
	ErrorCodeDatabaseClosed  ErrorCode = "database_closed"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeHandler         ErrorCode = "handler"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// Stages at which the queue reports errors.
const (
	StageFetch       = "fetch"
	StageAck         = "ack"
	StageMaintenance = "maintenance"
	StageSchedule    = "schedule"
	StageHandler     = "handler"
)

// ErrorInfo is the structured error the queue hands to its ErrorHandler.
type ErrorInfo struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Will the next poll likely succeed?
	Queue     string
	JobID     string
	Err       error
}

// ClassifyError categorizes an error based on its type, then its message.
func ClassifyError(stage string, err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	info := ErrorInfo{
		Stage:   stage,
		Message: err.Error(),
		Err:     err,
	}
	errLower := strings.ToLower(info.Message)

	switch {
	case db.IsSchemaNotFound(err):
		info.Code = ErrorCodeSchemaNotFound

	case db.IsDatabaseClosed(err):
		info.Code = ErrorCodeDatabaseClosed

	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		info.Code = ErrorCodeTimeout
		info.Retryable = true

	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection"):
		info.Code = ErrorCodeNetworkError
		info.Retryable = true

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		info.Code = ErrorCodeDatabaseError
		info.Retryable = true

	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		info.Code = ErrorCodeParseError

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		info.Code = ErrorCodeValidationError

	case stage == StageHandler:
		info.Code = ErrorCodeHandler
		info.Retryable = true

	default:
		info.Code = ErrorCodeUnknown
		info.Retryable = true
	}

	return info
}
