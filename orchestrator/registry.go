package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gostratum/datastorex"
)

// defaultBuildTimeout bounds one provider factory call
const defaultBuildTimeout = 2 * time.Minute

var errRegistryClosed = fmt.Errorf("%w: registry closed", datastorex.ErrAborted)

// Registry owns the configured provider descriptors and the provider
// instances built from them. Each descriptor yields at most one instance
// for the registry's lifetime.
type Registry struct {
	logger datastorex.Logger

	mu          sync.RWMutex
	descriptors []datastorex.ProviderDescriptor
	instances   map[int]datastorex.Provider
	closed      bool

	build        singleflight.Group
	buildTimeout time.Duration
}

// resolved is a provider together with the descriptor it was built from
type resolved struct {
	index    int
	name     string
	provider datastorex.Provider
}

// NewRegistry creates a registry over descriptors in registration order
func NewRegistry(descriptors []datastorex.ProviderDescriptor, opts ...datastorex.Option) *Registry {
	options := datastorex.ApplyOptions(opts...)
	descs := make([]datastorex.ProviderDescriptor, len(descriptors))
	copy(descs, descriptors)

	return &Registry{
		logger:       options.GetLogger(),
		descriptors:  descs,
		instances:    make(map[int]datastorex.Provider),
		buildTimeout: defaultBuildTimeout,
	}
}

// Register appends a descriptor. Identifier uniqueness is checked at lookup.
func (r *Registry) Register(desc datastorex.ProviderDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = append(r.descriptors, desc)
}

// Descriptors returns the registered descriptors in registration order
func (r *Registry) Descriptors() []datastorex.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datastorex.ProviderDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// ResolveByName returns the provider whose identifier equals name.
// It fails with ErrProviderNotFound when none matches and with
// ErrAmbiguousProvider when several descriptors share the identifier.
func (r *Registry) ResolveByName(ctx context.Context, name string) (datastorex.Provider, error) {
	res, err := r.resolveName(ctx, name)
	if err != nil {
		return nil, err
	}
	return res.provider, nil
}

func (r *Registry) resolveName(ctx context.Context, name string) (resolved, error) {
	descs := r.Descriptors()

	match := -1
	for i, d := range descs {
		if d.Name() != name {
			continue
		}
		if match >= 0 {
			return resolved{}, fmt.Errorf("%w: %q", datastorex.ErrAmbiguousProvider, name)
		}
		match = i
	}
	if match < 0 {
		return resolved{}, fmt.Errorf("%w: %q", datastorex.ErrProviderNotFound, name)
	}

	p, err := r.instance(ctx, match, descs[match])
	if err != nil {
		return resolved{}, err
	}
	return resolved{index: match, name: name, provider: p}, nil
}

// ResolveByPath probes descriptors in registration order and returns the
// first provider that claims path. A probe that fails or panics counts as
// a refusal so one broken backend cannot block routing.
func (r *Registry) ResolveByPath(ctx context.Context, path string) (datastorex.Provider, error) {
	res, err := r.resolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	return res.provider, nil
}

func (r *Registry) resolvePath(ctx context.Context, path string) (resolved, error) {
	descs := r.Descriptors()

	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			return resolved{}, datastorex.NewError("resolve", path, err)
		}

		p, err := r.instance(ctx, i, d)
		if err != nil {
			r.logger.Warn("Skipping provider that failed to initialize",
				"provider", d.Name(),
				"path", path,
				"error", err)
			continue
		}

		if r.probe(ctx, d.Name(), p, path) {
			return resolved{index: i, name: d.Name(), provider: p}, nil
		}
	}

	return resolved{}, datastorex.NewError("resolve", path, datastorex.ErrProviderNotFound)
}

// probe runs CanAccessObject, turning errors and panics into a refusal
func (r *Registry) probe(ctx context.Context, name string, p datastorex.Provider, path string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Provider probe panicked",
				"provider", name,
				"path", path,
				"panic", fmt.Sprint(rec))
			ok = false
		}
	}()

	ok, err := p.CanAccessObject(ctx, path)
	if err != nil {
		r.logger.Warn("Provider probe failed",
			"provider", name,
			"path", path,
			"error", err)
		return false
	}
	return ok
}

// instance returns the cached provider for descriptor i, building it once.
// Concurrent first calls share one factory invocation; failures are not cached.
// The factory runs detached from the caller's cancellation so one caller
// giving up does not fail the others waiting on the same build.
func (r *Registry) instance(ctx context.Context, i int, d datastorex.ProviderDescriptor) (datastorex.Provider, error) {
	r.mu.RLock()
	p, ok := r.instances[i]
	closed := r.closed
	r.mu.RUnlock()

	if ok {
		return p, nil
	}
	if closed {
		return nil, errRegistryClosed
	}

	ch := r.build.DoChan(strconv.Itoa(i), func() (any, error) {
		r.mu.RLock()
		p, ok := r.instances[i]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}

		if d.Factory == nil {
			return nil, fmt.Errorf("%w: provider %q has no factory", datastorex.ErrInvalidConfig, d.Name())
		}

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.buildTimeout)
		defer cancel()

		p, err := d.Factory(buildCtx, d.Options)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", d.Name(), err)
		}
		if p == nil {
			return nil, fmt.Errorf("%w: factory for %q returned no provider", datastorex.ErrInvalidConfig, d.Name())
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			if c, ok := p.(io.Closer); ok {
				if err := c.Close(); err != nil {
					r.logger.Warn("Failed to close provider built after registry close",
						"provider", d.Name(),
						"error", err)
				}
			}
			return nil, errRegistryClosed
		}
		r.instances[i] = p
		r.mu.Unlock()

		r.logger.Debug("Provider instantiated", "provider", d.Name(), "type", p.Type())
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(datastorex.Provider), nil
	case <-ctx.Done():
		return nil, datastorex.NewError("resolve", d.Name(), ctx.Err())
	}
}

// Instances returns the providers built so far, in registration order
func (r *Registry) Instances() []datastorex.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datastorex.Provider, 0, len(r.instances))
	for i := range r.descriptors {
		if p, ok := r.instances[i]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Close releases every built provider that implements io.Closer
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	instances := r.instances
	r.instances = make(map[int]datastorex.Provider)
	count := len(r.descriptors)
	r.mu.Unlock()

	var errs []error
	for i := 0; i < count; i++ {
		c, ok := instances[i].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
