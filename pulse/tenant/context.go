package tenant

import (
	"context"

	"github.com/teranos/tenantpulse/logger"
)

// Default identity of the single-tenant scheduler.
const (
	DefaultTenantID = "default"
	DefaultOrgID    = "default"
)

// Key identifies one tenant-org scheduler.
type Key struct {
	TenantID string `json:"tenant_id"`
	OrgID    string `json:"org_id"`
}

func (k Key) String() string { return k.TenantID + "/" + k.OrgID }

type contextKey struct{}

// WithTenant returns ctx carrying the tenant-org. Loggers built from the
// context pick up tenant_id and org_id.
func WithTenant(ctx context.Context, tenantID, orgID string) context.Context {
	ctx = logger.WithTenant(ctx, tenantID, orgID)
	return context.WithValue(ctx, contextKey{}, Key{TenantID: tenantID, OrgID: orgID})
}

// FromContext returns the tenant-org carried by ctx.
func FromContext(ctx context.Context) (Key, bool) {
	k, ok := ctx.Value(contextKey{}).(Key)
	if !ok || k.TenantID == "" || k.OrgID == "" {
		return Key{}, false
	}
	return k, true
}
