package tenant

import (
	"context"
	"time"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/pulse/engine"
)

// SchedulerHandle is an engine bound to the tenant-org that owns it.
type SchedulerHandle struct {
	key       Key
	engine    *engine.Engine
	db        *db.Handle
	createdAt time.Time
}

func newHandle(key Key, eng *engine.Engine, h *db.Handle, now time.Time) *SchedulerHandle {
	return &SchedulerHandle{key: key, engine: eng, db: h, createdAt: now}
}

func (s *SchedulerHandle) Key() Key               { return s.key }
func (s *SchedulerHandle) TenantID() string       { return s.key.TenantID }
func (s *SchedulerHandle) OrgID() string          { return s.key.OrgID }
func (s *SchedulerHandle) Engine() *engine.Engine { return s.engine }
func (s *SchedulerHandle) DB() *db.Handle         { return s.db }
func (s *SchedulerHandle) CreatedAt() time.Time   { return s.createdAt }

// Context returns ctx tagged with the handle's tenant-org.
func (s *SchedulerHandle) Context(ctx context.Context) context.Context {
	return WithTenant(ctx, s.key.TenantID, s.key.OrgID)
}

// QueueJob queues req on the tenant's engine.
func (s *SchedulerHandle) QueueJob(ctx context.Context, req engine.QueueRequest) (*engine.QueueResponse, error) {
	return s.engine.QueueJob(s.Context(ctx), req)
}
