package conference

import (
	"log/slog"
	"sync"

	"github.com/tiagolam/confmixer/internal/ice"
)

// Registry is the process-wide, lazily-populated map from conference id
// to Conference (§4.7). It is held as an explicit dependency passed into
// HTTP handlers rather than an ambient singleton, per §9's design notes,
// so tests can supply an isolated instance.
type Registry struct {
	mu           sync.Mutex
	conferences  map[string]*Conference
	ports        *ice.PortAllocator
	codecFactory CodecFactory
	logger       *slog.Logger
}

// NewRegistry creates an empty registry. ports is shared across every
// conference it creates, matching the spec's process-wide monotonic port
// counter. codecFactory builds one codec per member; pass
// member.NewCodec when wiring a real server, or a fake for tests.
func NewRegistry(ports *ice.PortAllocator, codecFactory CodecFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conferences:  make(map[string]*Conference),
		ports:        ports,
		codecFactory: codecFactory,
		logger:       logger,
	}
}

// GetOrCreate returns the conference for id, creating it if it does not
// exist yet. Conferences are never removed (§4.7).
func (r *Registry) GetOrCreate(id string) *Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conferences[id]; ok {
		return c
	}
	c := newConference(id, r.ports, r.codecFactory, r.logger)
	r.conferences[id] = c
	return c
}

// Get returns the conference for id, if it has been created.
func (r *Registry) Get(id string) (*Conference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conferences[id]
	return c, ok
}
