package pppoe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrServerExists is returned when an interface already has a server.
	ErrServerExists = errors.New("server already running on interface")

	// ErrServerNotFound is returned when no server runs on an interface.
	ErrServerNotFound = errors.New("no server on interface")
)

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// OnFirstServer registers a hook run when the registry goes from zero to
// one server, e.g. to start shared collectors.
func OnFirstServer(fn func()) RegistryOption {
	return func(r *Registry) { r.onFirst = fn }
}

// OnLastServer registers a hook run when the last server is removed.
func OnLastServer(fn func()) RegistryOption {
	return func(r *Registry) { r.onLast = fn }
}

// WithServerOptions sets options applied to every server the registry starts.
func WithServerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.serverOpts = append(r.serverOpts, opts...) }
}

// newServerFunc lets tests construct servers without real interfaces.
type newServerFunc func(cfg ServerConfig, logger *zap.Logger, opts ...Option) (*Server, error)

// Registry keeps one discovery server per interface.
type Registry struct {
	logger     *zap.Logger
	serverOpts []Option
	newServer  newServerFunc
	onFirst    func()
	onLast     func()

	mu      sync.RWMutex
	servers map[string]*Server
	// starting reserves interfaces whose server is being created outside mu.
	starting map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		newServer: NewServer,
		servers:   make(map[string]*Server),
		starting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartServer creates and starts a server for cfg.Interface. A failure
// only affects that interface. The interface lookup and socket setup run
// without the registry lock held.
func (r *Registry) StartServer(ctx context.Context, cfg ServerConfig, opts ...Option) (*Server, error) {
	name := cfg.Interface

	r.mu.Lock()
	_, running := r.servers[name]
	_, starting := r.starting[name]
	if running || starting {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServerExists, name)
	}
	r.starting[name] = struct{}{}
	serverOpts := r.serverOpts
	r.mu.Unlock()

	all := append(append([]Option{}, serverOpts...), opts...)
	s, err := r.newServer(cfg, r.logger, all...)
	if err == nil {
		if err = s.Start(ctx); err != nil {
			err = fmt.Errorf("failed to start server on %s: %w", name, err)
		}
	} else {
		err = fmt.Errorf("failed to create server on %s: %w", name, err)
	}

	r.mu.Lock()
	delete(r.starting, name)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.servers[name] = s
	if len(r.servers) == 1 && r.onFirst != nil {
		r.onFirst()
	}
	r.mu.Unlock()

	r.logger.Info("PPPoE server started", zap.String("interface", name))
	return s, nil
}

// StopServer stops and removes the server on ifname.
func (r *Registry) StopServer(ifname string) error {
	r.mu.Lock()
	s, ok := r.servers[ifname]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, ifname)
	}
	delete(r.servers, ifname)
	last := len(r.servers) == 0
	r.mu.Unlock()

	err := s.Stop()
	if last && r.onLast != nil {
		r.onLast()
	}

	r.logger.Info("PPPoE server stopped", zap.String("interface", ifname))
	return err
}

// StopAll stops every server.
func (r *Registry) StopAll() {
	for _, name := range r.names() {
		if err := r.StopServer(name); err != nil && !errors.Is(err, ErrServerNotFound) {
			r.logger.Warn("Failed to stop PPPoE server",
				zap.String("interface", name),
				zap.Error(err),
			)
		}
	}
}

// Get returns the server on ifname.
func (r *Registry) Get(ifname string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[ifname]
	return s, ok
}

// Servers returns the registered servers ordered by interface name.
func (r *Registry) Servers() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface() < out[j].Interface() })
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Stats returns GetStats of every server keyed by interface name.
func (r *Registry) Stats() map[string]map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]uint64, len(r.servers))
	for name, s := range r.servers {
		out[name] = s.GetStats()
	}
	return out
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
