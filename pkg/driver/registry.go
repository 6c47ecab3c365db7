package driver

import (
	"sync"

	"github.com/nclav-io/nclav/pkg/domain"
)

// Registry dispatches driver calls to the correct cloud-specific
// Driver implementation. The LocalDriver should always be registered.
type Registry struct {
	// DefaultCloud is used when an enclave's Cloud field is empty.
	DefaultCloud domain.CloudTarget

	mu      sync.RWMutex
	drivers map[domain.CloudTarget]Driver
}

// NewRegistry creates an empty registry with the given default cloud.
func NewRegistry(defaultCloud domain.CloudTarget) *Registry {
	return &Registry{
		DefaultCloud: defaultCloud,
		drivers:      make(map[domain.CloudTarget]Driver),
	}
}

// Register adds a driver for a cloud target, replacing any existing one.
func (r *Registry) Register(cloud domain.CloudTarget, d Driver) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[cloud] = d
	return r
}

// ForEnclave resolves the driver for the given enclave, using its
// Cloud field if set, otherwise DefaultCloud.
func (r *Registry) ForEnclave(enc *domain.Enclave) (Driver, error) {
	return r.ForCloud(r.ResolvedCloud(enc))
}

// ForCloud resolves the driver registered for a cloud target directly.
func (r *Registry) ForCloud(cloud domain.CloudTarget) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[cloud]
	if !ok {
		return nil, ErrDriverNotConfigured(cloud)
	}
	return d, nil
}

// ResolvedCloud returns the cloud target that will be used for enc.
func (r *Registry) ResolvedCloud(enc *domain.Enclave) domain.CloudTarget {
	if enc.Cloud != "" {
		return enc.Cloud
	}
	return r.DefaultCloud
}

// ActiveClouds returns every cloud target with a registered driver.
func (r *Registry) ActiveClouds() []domain.CloudTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CloudTarget, 0, len(r.drivers))
	for c := range r.drivers {
		out = append(out, c)
	}
	return out
}
