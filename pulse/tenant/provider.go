package tenant

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// SQLProvider opens one migrated handle per tenant-org. SQLite databases live
// at <DataDir>/<tenant>/<org>.db; postgres handles connect with the
// descriptor's DSN.
type SQLProvider struct {
	dataDir string
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	handles map[Key]*db.Handle
}

var (
	_ ConnectionProvider = (*SQLProvider)(nil)
	_ Releaser           = (*SQLProvider)(nil)
)

// NewSQLProvider creates a provider rooted at dataDir.
func NewSQLProvider(dataDir string, log *zap.SugaredLogger) *SQLProvider {
	return &SQLProvider{
		dataDir: dataDir,
		logger:  logger.AddDBSymbol(logger.OrNop(log).Named("provider")),
		handles: make(map[Key]*db.Handle),
	}
}

// GetConnection returns the cached handle of the tenant-org or opens it.
func (p *SQLProvider) GetConnection(ctx context.Context, tenantID, orgID string, desc ConnectionDescriptor) (*db.Handle, error) {
	key := Key{TenantID: tenantID, OrgID: orgID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[key]; ok {
		return h, nil
	}

	var (
		h   *db.Handle
		err error
	)
	switch desc.Driver {
	case db.DialectPostgres:
		h, err = p.openPostgres(ctx, desc)
	default:
		h, err = p.openSQLite(key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect tenant %s", key)
	}
	p.handles[key] = h
	p.logger.Debugw("Tenant database opened", logger.FieldTenantID, tenantID, logger.FieldOrgID, orgID,
		logger.FieldDriver, string(h.Dialect))
	return h, nil
}

func (p *SQLProvider) openSQLite(key Key) (*db.Handle, error) {
	if err := checkPathSegment(key.TenantID); err != nil {
		return nil, err
	}
	if err := checkPathSegment(key.OrgID); err != nil {
		return nil, err
	}
	dir := filepath.Join(p.dataDir, key.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", dir)
	}
	return db.OpenWithMigrations(filepath.Join(dir, key.OrgID+".db"), p.logger)
}

func (p *SQLProvider) openPostgres(ctx context.Context, desc ConnectionDescriptor) (*db.Handle, error) {
	h, err := db.OpenPostgres(ctx, desc.DSN(), p.logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(h, p.logger); err != nil {
		h.Close()
		return nil, errors.Wrapf(err, "failed to migrate %s", desc)
	}
	return h, nil
}

// checkPathSegment rejects ids that would escape the data directory.
func checkPathSegment(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.NewInvalidRequestError("invalid tenant path segment %q", id)
	}
	return nil
}

// Release closes the handle of the tenant-org, if open.
func (p *SQLProvider) Release(_ context.Context, tenantID, orgID string) error {
	key := Key{TenantID: tenantID, OrgID: orgID}
	p.mu.Lock()
	h, ok := p.handles[key]
	delete(p.handles, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return errors.Wrapf(h.Close(), "failed to close tenant %s", key)
}

// Close releases every handle.
func (p *SQLProvider) Close() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[Key]*db.Handle)
	p.mu.Unlock()

	var errs error
	for key, h := range handles {
		if err := h.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to close tenant %s", key))
		}
	}
	return errs
}
