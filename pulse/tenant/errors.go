package tenant

import (
	"fmt"

	"github.com/teranos/tenantpulse/errors"
)

// NoTenantContextError is returned by GetSchedulerForContext in multi-tenant
// mode when the context carries no tenant-org.
type NoTenantContextError struct{}

func (e *NoTenantContextError) Error() string {
	return "no tenant context: call tenant.WithTenant before resolving a scheduler"
}

// Is matches errors.ErrNoTenantContext.
func (e *NoTenantContextError) Is(target error) bool { return target == errors.ErrNoTenantContext }

// MissingDatabaseConfigError is returned when the registry has no database
// config for a tenant.
type MissingDatabaseConfigError struct {
	TenantID string
}

func (e *MissingDatabaseConfigError) Error() string {
	return fmt.Sprintf("no database config for tenant %q", e.TenantID)
}

// Is matches errors.ErrMissingDatabaseConfig.
func (e *MissingDatabaseConfigError) Is(target error) bool {
	return target == errors.ErrMissingDatabaseConfig
}
