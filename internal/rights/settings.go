package rights

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/processing/internal/model"
)

// ErrNoSettings is returned when a tenant has no rights configuration for a
// process.
var ErrNoSettings = errors.New("no rights configuration")

// SettingsStore gives access to the rights configuration of a tenant.
type SettingsStore interface {
	Get(ctx context.Context, tenant, processID string) (model.RightsPluginConfiguration, error)
}

type settingsFile struct {
	Rights []model.RightsPluginConfiguration `yaml:"rights"`
}

type settingsKey struct {
	tenant    string
	processID string
}

// FileSettingsStore reads rights configurations from a YAML file:
//
//	rights:
//	  - tenant: acme
//	    process_id: copy
//	    active: true
//	    allowed_user_roles: [REGISTERED_USER]
//	    max_concurrent_executions: 2
type FileSettingsStore struct {
	path string

	mu       sync.RWMutex
	settings map[settingsKey]model.RightsPluginConfiguration
}

// NewFileSettingsStore loads path.
func NewFileSettingsStore(path string) (*FileSettingsStore, error) {
	s := &FileSettingsStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file.
func (s *FileSettingsStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rights file: %w", err)
	}
	settings, err := parseSettings(data)
	if err != nil {
		return fmt.Errorf("parse rights file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

func parseSettings(data []byte) (map[settingsKey]model.RightsPluginConfiguration, error) {
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	out := make(map[settingsKey]model.RightsPluginConfiguration, len(f.Rights))
	for i, r := range f.Rights {
		if r.Tenant == "" || r.ProcessID == "" {
			return nil, fmt.Errorf("entry %d: tenant and process_id are required", i)
		}
		key := settingsKey{r.Tenant, r.ProcessID}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("entry %d: duplicate rights for tenant %q process %q", i, r.Tenant, r.ProcessID)
		}
		out[key] = r
	}
	return out, nil
}

func (s *FileSettingsStore) Get(_ context.Context, tenant, processID string) (model.RightsPluginConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.settings[settingsKey{tenant, processID}]
	if !ok {
		return model.RightsPluginConfiguration{}, fmt.Errorf("%w for tenant %q process %q", ErrNoSettings, tenant, processID)
	}
	return r, nil
}

// CachedSettingsStore caches the configurations of an underlying store per
// tenant until Invalidate is called for that tenant.
type CachedSettingsStore struct {
	next SettingsStore

	mu    sync.Mutex
	cache map[string]map[string]model.RightsPluginConfiguration
}

// NewCachedSettingsStore wraps next.
func NewCachedSettingsStore(next SettingsStore) *CachedSettingsStore {
	return &CachedSettingsStore{
		next:  next,
		cache: make(map[string]map[string]model.RightsPluginConfiguration),
	}
}

func (c *CachedSettingsStore) Get(ctx context.Context, tenant, processID string) (model.RightsPluginConfiguration, error) {
	c.mu.Lock()
	if r, ok := c.cache[tenant][processID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r, err := c.next.Get(ctx, tenant, processID)
	if err != nil {
		return r, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache[tenant] == nil {
		c.cache[tenant] = make(map[string]model.RightsPluginConfiguration)
	}
	c.cache[tenant][processID] = r
	return r, nil
}

// Invalidate drops every cached configuration of tenant.
func (c *CachedSettingsStore) Invalidate(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tenant)
}

// InvalidateAll empties the cache.
func (c *CachedSettingsStore) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}
