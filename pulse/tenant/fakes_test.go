package tenant

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
)

// fakeRegistry is an in-memory tenant directory.
type fakeRegistry struct {
	mu          sync.Mutex
	configs     map[string]*DatabaseConfig
	tenants     []Tenant
	orgs        map[string][]Org
	mappings    map[string]InstallationMapping
	configDelay time.Duration
	configErr   error
	updateErr   error
	configCalls atomic.Int32
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		configs:  make(map[string]*DatabaseConfig),
		orgs:     make(map[string][]Org),
		mappings: make(map[string]InstallationMapping),
	}
}

func mappingKey(provider, externalID string) string { return provider + "/" + externalID }

func (r *fakeRegistry) addTenant(id string, orgIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[id] = &DatabaseConfig{Driver: "sqlite3"}
	r.tenants = append(r.tenants, Tenant{ID: id, Name: "Tenant " + id})
	for _, o := range orgIDs {
		r.orgs[id] = append(r.orgs[id], Org{ID: o, TenantID: id, Name: "Org " + o})
	}
}

func (r *fakeRegistry) GetTenantDatabaseConfig(_ context.Context, tenantID string) (*DatabaseConfig, error) {
	r.configCalls.Add(1)
	if r.configDelay > 0 {
		time.Sleep(r.configDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configErr != nil {
		return nil, r.configErr
	}
	cfg, ok := r.configs[tenantID]
	if !ok {
		return nil, nil
	}
	c := *cfg
	return &c, nil
}

func (r *fakeRegistry) ListTenants(context.Context) ([]Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tenant(nil), r.tenants...), nil
}

func (r *fakeRegistry) ListOrgs(_ context.Context, tenantID string) ([]Org, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Org(nil), r.orgs[tenantID]...), nil
}

func (r *fakeRegistry) FindInstallationMapping(_ context.Context, provider, externalID string) (*InstallationMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[mappingKey(provider, externalID)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *fakeRegistry) CreateInstallationMapping(_ context.Context, m InstallationMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := mappingKey(m.Provider, m.ExternalID)
	if _, ok := r.mappings[k]; ok {
		return errors.Wrapf(errors.ErrConflict, "mapping %s", k)
	}
	r.mappings[k] = m
	return nil
}

func (r *fakeRegistry) UpdateInstallationMapping(_ context.Context, m InstallationMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	k := mappingKey(m.Provider, m.ExternalID)
	if _, ok := r.mappings[k]; !ok {
		return errors.NewNotFoundError("mapping %s", k)
	}
	r.mappings[k] = m
	return nil
}

func (r *fakeRegistry) DeleteInstallationMapping(_ context.Context, provider, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, mappingKey(provider, externalID))
	return nil
}

// fakeProvider hands out one in-memory database per tenant-org. Handles are
// closed by closeAll, after the manager stopped using them.
type fakeProvider struct {
	mu       sync.Mutex
	handles  map[Key]*db.Handle
	all      []*db.Handle
	released map[Key]int
	opened   atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handles: make(map[Key]*db.Handle), released: make(map[Key]int)}
}

func openMemoryDB() (*db.Handle, error) {
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	h := db.NewHandle(sqlDB, db.DialectSQLite)
	if err := db.Migrate(h, nil); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return h, nil
}

func (p *fakeProvider) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.all {
		h.Close()
	}
}

func (p *fakeProvider) GetConnection(_ context.Context, tenantID, orgID string, _ ConnectionDescriptor) (*db.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key{TenantID: tenantID, OrgID: orgID}
	if h, ok := p.handles[key]; ok {
		return h, nil
	}
	h, err := openMemoryDB()
	if err != nil {
		return nil, err
	}
	p.opened.Add(1)
	p.handles[key] = h
	p.all = append(p.all, h)
	return h, nil
}

func (p *fakeProvider) Release(_ context.Context, tenantID, orgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key{TenantID: tenantID, OrgID: orgID}
	delete(p.handles, key)
	p.released[key]++
	return nil
}

func (p *fakeProvider) releases(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released[key]
}

func plainDecrypt(ciphertext string) (string, error) { return ciphertext, nil }
