// Package pgregistry is the tenant directory kept in a shared postgres
// database.
//
// Tables:
//
//	tenants(id, name, active)
//	orgs(id, tenant_id, name, active)
//	tenant_databases(tenant_id, driver, host, port, database_name, schema_name, username, encrypted_password, ssl_mode)
//	installation_mappings(provider, external_id, tenant_id, org_id, installation_id)
package pgregistry

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/tenant"
)

const uniqueViolation = "23505"

// Registry implements tenant.Registry.
type Registry struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ tenant.Registry = (*Registry)(nil)

// Open connects to dsn through the pgx stdlib driver.
func Open(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Registry, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open registry")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to reach registry")
	}
	return New(sqlDB, log), nil
}

// New wraps an open pool.
func New(sqlDB *sql.DB, log *zap.SugaredLogger) *Registry {
	return &Registry{db: sqlDB, logger: logger.OrNop(log).Named("registry")}
}

// Close closes the pool.
func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) GetTenantDatabaseConfig(ctx context.Context, tenantID string) (*tenant.DatabaseConfig, error) {
	var (
		cfg                    tenant.DatabaseConfig
		host, database, schema sql.NullString
		user, password, ssl    sql.NullString
		port                   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT driver, host, port, database_name, schema_name, username, encrypted_password, ssl_mode
		FROM tenant_databases WHERE tenant_id = $1`, tenantID,
	).Scan(&cfg.Driver, &host, &port, &database, &schema, &user, &password, &ssl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read database config of tenant %s", tenantID)
	}
	cfg.Host = host.String
	cfg.Port = int(port.Int64)
	cfg.Database = database.String
	cfg.Schema = schema.String
	cfg.User = user.String
	cfg.EncryptedPassword = password.String
	cfg.SSLMode = ssl.String
	return &cfg, nil
}

func (r *Registry) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to list tenants")
}

func (r *Registry) ListOrgs(ctx context.Context, tenantID string) ([]tenant.Org, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, name FROM orgs WHERE tenant_id = $1 AND active ORDER BY id`, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list orgs of %s", tenantID)
	}
	defer rows.Close()

	var out []tenant.Org
	for rows.Next() {
		var o tenant.Org
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Name); err != nil {
			return nil, errors.Wrap(err, "failed to scan org")
		}
		out = append(out, o)
	}
	return out, errors.Wrapf(rows.Err(), "failed to list orgs of %s", tenantID)
}

func (r *Registry) FindInstallationMapping(ctx context.Context, provider, externalID string) (*tenant.InstallationMapping, error) {
	m := tenant.InstallationMapping{Provider: provider, ExternalID: externalID}
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, org_id, installation_id FROM installation_mappings
		WHERE provider = $1 AND external_id = $2`, provider, externalID,
	).Scan(&m.TenantID, &m.OrgID, &m.InstallationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find mapping %s/%s", provider, externalID)
	}
	return &m, nil
}

// CreateInstallationMapping fails with a wrapped errors.ErrConflict when the
// installation is already mapped.
func (r *Registry) CreateInstallationMapping(ctx context.Context, m tenant.InstallationMapping) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO installation_mappings (provider, external_id, tenant_id, org_id, installation_id)
		VALUES ($1, $2, $3, $4, $5)`,
		m.Provider, m.ExternalID, m.TenantID, m.OrgID, m.InstallationID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(errors.ErrConflict, "installation %s/%s is already mapped", m.Provider, m.ExternalID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create mapping %s/%s", m.Provider, m.ExternalID)
	}
	r.logger.Debugw("Installation mapping created", "provider", m.Provider, "external_id", m.ExternalID,
		logger.FieldTenantID, m.TenantID, logger.FieldOrgID, m.OrgID)
	return nil
}

func (r *Registry) UpdateInstallationMapping(ctx context.Context, m tenant.InstallationMapping) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE installation_mappings SET tenant_id = $3, org_id = $4, installation_id = $5
		WHERE provider = $1 AND external_id = $2`,
		m.Provider, m.ExternalID, m.TenantID, m.OrgID, m.InstallationID)
	if err != nil {
		return errors.Wrapf(err, "failed to update mapping %s/%s", m.Provider, m.ExternalID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update mapping %s/%s", m.Provider, m.ExternalID)
	}
	if n == 0 {
		return errors.NewNotFoundError("installation %s/%s is not mapped", m.Provider, m.ExternalID)
	}
	r.logger.Debugw("Installation mapping updated", "provider", m.Provider, "external_id", m.ExternalID,
		logger.FieldTenantID, m.TenantID, logger.FieldOrgID, m.OrgID)
	return nil
}

func (r *Registry) DeleteInstallationMapping(ctx context.Context, provider, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM installation_mappings WHERE provider = $1 AND external_id = $2`, provider, externalID)
	return errors.Wrapf(err, "failed to delete mapping %s/%s", provider, externalID)
}
