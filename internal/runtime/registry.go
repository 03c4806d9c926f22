package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codesdk/codesdk/internal/runtimeenv"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// ErrNotSupported is returned by optional adapter operations the runtime
// does not implement.
var ErrNotSupported = errors.New("runtime: operation not supported")

// authCacheTTL bounds how often auth_status shells out to a runtime's CLI.
const authCacheTTL = 30 * time.Second

type cachedAuth struct {
	status    *v1.AuthStatus
	fetchedAt time.Time
}

// Registry holds the enabled adapters by name.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string

	authMu    sync.Mutex
	authCache map[string]cachedAuth

	// now is swapped in tests to drive cache expiry.
	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		authCache: make(map[string]cachedAuth),
		now:       time.Now,
	}
}

// Register adds an adapter. Registering a duplicate name is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("runtime %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	if r.defaultName == "" {
		r.defaultName = a.Name()
	}
	return nil
}

// SetDefault selects the runtime used when a request names none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; !exists {
		return fmt.Errorf("unknown runtime %q", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the adapter for name, or the default when name is empty.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
	return a, nil
}

// Names returns the registered runtime names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the default runtime's name.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// AuthStatus returns the adapter's auth status, cached briefly since checks
// commonly shell out to the runtime's CLI.
func (r *Registry) AuthStatus(ctx context.Context, name string, env *runtimeenv.RuntimeEnv) (*v1.AuthStatus, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.authMu.Lock()
	if cached, ok := r.authCache[a.Name()]; ok && r.now().Sub(cached.fetchedAt) < authCacheTTL {
		r.authMu.Unlock()
		return cached.status, nil
	}
	r.authMu.Unlock()

	status, err := a.AuthStatus(ctx, env)
	if err != nil {
		return nil, err
	}
	status.CheckedAt = r.now().UTC()

	r.authMu.Lock()
	r.authCache[a.Name()] = cachedAuth{status: status, fetchedAt: r.now()}
	r.authMu.Unlock()
	return status, nil
}
