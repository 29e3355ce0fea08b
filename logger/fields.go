package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldJobName   = "job_name"
	FieldTenantID  = "tenant_id"
	FieldOrgID     = "org_id"
	FieldQueue     = "queue"
	FieldEvent     = "event"
	FieldSourceJob = "source_job_id"
	FieldSchedule  = "schedule"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Status
	FieldStatus = "status"

	// Storage
	FieldDriver = "driver"
	FieldPath   = "path"

	FieldSymbol = "symbol" // glyph (꩜, ✿, ❀, ...)
)

type contextKey string

const (
	jobIDKey    contextKey = "logger_job_id"
	tenantIDKey contextKey = "logger_tenant_id"
	orgIDKey    contextKey = "logger_org_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTenant adds tenant and org IDs to the context for logging
func WithTenant(ctx context.Context, tenantID, orgID string) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return context.WithValue(ctx, orgIDKey, orgID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		fields = append(fields, FieldTenantID, v)
	}
	if v, ok := ctx.Value(orgIDKey).(string); ok && v != "" {
		fields = append(fields, FieldOrgID, v)
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields = append(fields, FieldJobID, v)
	}

	return fields
}

// FromContext returns base (or the global Logger when base is nil) with the
// fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	m := tenant.NewManager(cfg, logger.ComponentLogger("tenant"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
//	jobLogger := logger.ChildLogger(baseLogger, "job_id", job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
