package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It is safe for concurrent use and keeps the
// same invariants as the Postgres backend, so the proxy behaves identically
// in single-instance mode and in tests.
type Memory struct {
	mu           sync.RWMutex
	tenants      map[string]*Tenant
	projects     map[string]*Project
	gatewayKeys  map[string]*GatewayKey // by id
	providerKeys map[string]*ProviderKey
	feedback     []CacheFeedback
	alertsSent   map[string]struct{} // projectID|yyyymm|threshold
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:      make(map[string]*Tenant),
		projects:     make(map[string]*Project),
		gatewayKeys:  make(map[string]*GatewayKey),
		providerKeys: make(map[string]*ProviderKey),
		alertsSent:   make(map[string]struct{}),
	}
}

// PutTenant and PutProject seed control-plane rows (dev/test wiring).
func (m *Memory) PutTenant(t *Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tenants[t.ID] = &cp
}

func (m *Memory) PutProject(p *Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.CacheTTLOverrides == nil {
		cp.CacheTTLOverrides = make(map[string]int64)
	}
	m.projects[p.ID] = &cp
}

// PutGatewayKey seeds a gateway key row.
func (m *Memory) PutGatewayKey(k *GatewayKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.gatewayKeys[k.ID] = &cp
}

func (m *Memory) GatewayKeyByHash(_ context.Context, hash string) (*GatewayKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.gatewayKeys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TouchGatewayKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.gatewayKeys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) ProjectByID(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.CacheTTLOverrides = make(map[string]int64, len(p.CacheTTLOverrides))
	for k, v := range p.CacheTTLOverrides {
		cp.CacheTTLOverrides[k] = v
	}
	return &cp, nil
}

func (m *Memory) TenantByID(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) SetTenantPlan(_ context.Context, tenantID, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.Plan = plan
	return nil
}

func (m *Memory) ProjectsWithCostAlerts(_ context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Project
	for _, p := range m.projects {
		if p.CostAlertsEnabled {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) ActiveProviderKeys(_ context.Context, projectID, provider string) ([]ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderKey
	for _, k := range m.providerKeys {
		if k.ProjectID == projectID && k.Provider == provider && k.IsActive {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// SaveProviderKey inserts or updates a key, enforcing the active cap and
// re-packing priorities so they stay a dense 1..n permutation.
func (m *Memory) SaveProviderKey(_ context.Context, key *ProviderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}

	if key.IsActive {
		active := 0
		for _, k := range m.providerKeys {
			if k.ProjectID == key.ProjectID && k.Provider == key.Provider && k.IsActive && k.ID != key.ID {
				active++
			}
		}
		if active >= MaxActiveProviderKeys {
			return ErrTooManyKeys
		}
	}

	cp := *key
	m.providerKeys[key.ID] = &cp
	m.repackPriorities(key.ProjectID, key.Provider)
	return nil
}

func (m *Memory) DeleteProviderKey(_ context.Context, projectID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.providerKeys[keyID]
	if !ok || k.ProjectID != projectID {
		return ErrNotFound
	}
	delete(m.providerKeys, keyID)
	m.repackPriorities(projectID, k.Provider)
	return nil
}

func (m *Memory) ListProviderKeys(_ context.Context, projectID string) ([]ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderKey
	for _, k := range m.providerKeys {
		if k.ProjectID == projectID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

func (m *Memory) TouchProviderKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.providerKeys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

// repackPriorities keeps each (project, provider) active slice dense and
// minimal: sorted by current priority, then renumbered 1..n.
func (m *Memory) repackPriorities(projectID, provider string) {
	var active []*ProviderKey
	for _, k := range m.providerKeys {
		if k.ProjectID == projectID && k.Provider == provider && k.IsActive {
			active = append(active, k)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	for i, k := range active {
		k.Priority = i + 1
	}
}

func (m *Memory) UpdateCacheTTL(_ context.Context, projectID string, defaultTTL int64, overrides map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.CacheTTLSeconds = defaultTTL
	p.CacheTTLOverrides = make(map[string]int64, len(overrides))
	for k, v := range overrides {
		p.CacheTTLOverrides[k] = v
	}
	return nil
}

func (m *Memory) UpdateCacheThreshold(_ context.Context, projectID string, threshold float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.SemanticCacheThreshold = threshold
	return nil
}

func (m *Memory) InsertCacheFeedback(_ context.Context, fb *CacheFeedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *fb
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.feedback = append(m.feedback, cp)
	return nil
}

func (m *Memory) ListCacheFeedback(_ context.Context, projectID string, limit int) ([]CacheFeedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CacheFeedback
	for i := len(m.feedback) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.feedback[i].ProjectID == projectID {
			out = append(out, m.feedback[i])
		}
	}
	return out, nil
}

func alertKey(projectID, yearMonth string, threshold int) string {
	return fmt.Sprintf("%s|%s|%d", projectID, yearMonth, threshold)
}

func (m *Memory) AlertSent(_ context.Context, projectID, yearMonth string, threshold int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.alertsSent[alertKey(projectID, yearMonth, threshold)]
	return ok, nil
}

func (m *Memory) RecordAlertSent(_ context.Context, projectID, yearMonth string, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsSent[alertKey(projectID, yearMonth, threshold)] = struct{}{}
	return nil
}
