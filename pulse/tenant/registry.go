package tenant

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/teranos/tenantpulse/db"
)

// DatabaseConfig is what the registry stores about a tenant's database.
// The password is encrypted at rest.
type DatabaseConfig struct {
	Driver            string `json:"driver"` // db.DialectSQLite or db.DialectPostgres; empty means sqlite
	Host              string `json:"host,omitempty"`
	Port              int    `json:"port,omitempty"`
	Database          string `json:"database,omitempty"`
	Schema            string `json:"schema,omitempty"`
	User              string `json:"user,omitempty"`
	EncryptedPassword string `json:"-"`
	SSLMode           string `json:"ssl_mode,omitempty"`
}

// Tenant is a registry tenant.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Org is an organisation inside a tenant.
type Org struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// InstallationMapping records which tenant-org owns an external installation.
type InstallationMapping struct {
	Provider       string `json:"provider"`
	ExternalID     string `json:"external_id"`
	TenantID       string `json:"tenant_id"`
	OrgID          string `json:"org_id"`
	InstallationID string `json:"installation_id"` // id in the tenant database
}

// Registry is the tenant directory.
type Registry interface {
	// GetTenantDatabaseConfig returns (nil, nil) when the tenant has no config.
	GetTenantDatabaseConfig(ctx context.Context, tenantID string) (*DatabaseConfig, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	ListOrgs(ctx context.Context, tenantID string) ([]Org, error)
	// FindInstallationMapping returns (nil, nil) when no mapping exists.
	FindInstallationMapping(ctx context.Context, provider, externalID string) (*InstallationMapping, error)
	CreateInstallationMapping(ctx context.Context, m InstallationMapping) error
	// UpdateInstallationMapping moves the mapping of m.Provider/m.ExternalID to
	// m's owner in one write. It returns ErrNotFound when no mapping exists.
	UpdateInstallationMapping(ctx context.Context, m InstallationMapping) error
	DeleteInstallationMapping(ctx context.Context, provider, externalID string) error
}

// ConnectionDescriptor is a decrypted DatabaseConfig ready to connect with.
type ConnectionDescriptor struct {
	Driver   db.Dialect
	Host     string
	Port     int
	Database string
	Schema   string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the postgres connection URL with search_path set to Schema.
func (d ConnectionDescriptor) DSN() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	q := url.Values{}
	if d.Schema != "" {
		q.Set("search_path", d.Schema)
	}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:     "/" + d.Database,
		RawQuery: q.Encode(),
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

// String omits the password.
func (d ConnectionDescriptor) String() string {
	if d.Driver != db.DialectPostgres {
		return string(db.DialectSQLite)
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s?search_path=%s", d.Driver, d.User, d.Host, d.Port, d.Database, d.Schema)
}

// ConnectionProvider opens tenant-scoped database handles.
type ConnectionProvider interface {
	GetConnection(ctx context.Context, tenantID, orgID string, desc ConnectionDescriptor) (*db.Handle, error)
}

// Releaser is implemented by providers that hold handles open; the manager
// calls Release when a scheduler is evicted.
type Releaser interface {
	Release(ctx context.Context, tenantID, orgID string) error
}

func descriptorFor(cfg *DatabaseConfig, password string) ConnectionDescriptor {
	driver := db.Dialect(cfg.Driver)
	if driver == "" || driver == "sqlite" {
		driver = db.DialectSQLite
	}
	if driver == "postgres" {
		driver = db.DialectPostgres
	}
	return ConnectionDescriptor{
		Driver:   driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		Schema:   cfg.Schema,
		User:     cfg.User,
		Password: password,
		SSLMode:  cfg.SSLMode,
	}
}
