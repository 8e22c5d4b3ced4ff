// ABOUTME: Tracks domain groups, live session channels, and the active session.
// ABOUTME: Persists per-domain tool snapshots best-effort through the store.

package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/loom/internal/naming"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/wire"
)

// Channel is the outbound half of a session connection.
type Channel interface {
	Send(msg wire.Message) error
	SessionID() string
}

// DomainInfo describes one domain group's current snapshot.
type DomainInfo struct {
	Tools       []wire.ToolDescriptor
	LastUpdated time.Time
}

type domainGroup struct {
	tools       []wire.ToolDescriptor
	lastUpdated time.Time
}

// Registry maps domains to tool snapshots and tracks which sessions are
// live and which one is active. The tool list for a domain outlives its
// sessions so cache-retained catalog entries stay describable.
type Registry struct {
	mu            sync.RWMutex
	domains       map[string]*domainGroup
	channels      map[string]Channel // session id -> live channel
	sessionDomain map[string]string  // session id -> domain
	order         map[string][]string // domain -> session ids in connect order
	active        string
	dirty         map[string]struct{} // domains with a failed snapshot save

	store  store.Store
	logger *slog.Logger
}

// New creates a Registry backed by the given snapshot store.
// The store may be nil, which disables persistence.
func New(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		domains:       make(map[string]*domainGroup),
		channels:      make(map[string]Channel),
		sessionDomain: make(map[string]string),
		order:         make(map[string][]string),
		dirty:         make(map[string]struct{}),
		store:         st,
		logger:        logger,
	}
}

// Register upserts the domain group's tool list and records the channel
// under its session id, replacing any previous channel for that session.
// The snapshot is persisted in the background; failures are logged, not
// returned.
func (r *Registry) Register(domain string, ch Channel, tools []wire.ToolDescriptor) {
	id := ch.SessionID()

	r.mu.Lock()
	group, ok := r.domains[domain]
	if !ok {
		group = &domainGroup{}
		r.domains[domain] = group
	}
	group.tools = append([]wire.ToolDescriptor(nil), tools...)
	group.lastUpdated = time.Now()

	if prev, moved := r.sessionDomain[id]; moved && prev != domain {
		r.order[prev] = removeID(r.order[prev], id)
	}
	if !containsID(r.order[domain], id) {
		r.order[domain] = append(r.order[domain], id)
	}
	r.channels[id] = ch
	r.sessionDomain[id] = domain
	total := len(r.channels)
	r.mu.Unlock()

	r.logger.Info("=== SESSION REGISTERED ===",
		"domain", domain,
		"session_id", id,
		"tool_count", len(tools),
		"total_sessions", total,
	)

	go r.persist(domain)
}

// Unregister drops the live channel entry for a session. The domain's
// stored tool list is retained. Returns the session's domain and how
// many live sessions remain on it.
func (r *Registry) Unregister(sessionID string) (domain string, remaining int) {
	r.mu.Lock()
	domain, ok := r.sessionDomain[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", 0
	}
	delete(r.channels, sessionID)
	delete(r.sessionDomain, sessionID)
	r.order[domain] = removeID(r.order[domain], sessionID)
	remaining = len(r.order[domain])
	if r.active == sessionID {
		r.active = ""
	}
	total := len(r.channels)
	r.mu.Unlock()

	r.logger.Info("=== SESSION DISCONNECTED ===",
		"domain", domain,
		"session_id", sessionID,
		"remaining_on_domain", remaining,
		"total_sessions", total,
	)
	return domain, remaining
}

// Capabilities returns a copy of the domain's current tool list,
// or nil for an unknown domain.
func (r *Registry) Capabilities(domain string) []wire.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.domains[domain]
	if !ok {
		return nil
	}
	return append([]wire.ToolDescriptor(nil), group.tools...)
}

// AllDomains returns every domain group with its snapshot.
func (r *Registry) AllDomains() map[string]DomainInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]DomainInfo, len(r.domains))
	for domain, group := range r.domains {
		out[domain] = DomainInfo{
			Tools:       append([]wire.ToolDescriptor(nil), group.tools...),
			LastUpdated: group.lastUpdated,
		}
	}
	return out
}

// LiveCount returns the number of live sessions on a domain.
func (r *Registry) LiveCount(domain string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order[domain])
}

// ChannelForDomain returns a live channel for the domain, preferring
// the active session when it belongs to that domain. Returns nil when
// no session is live.
func (r *Registry) ChannelForDomain(domain string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active != "" && r.sessionDomain[r.active] == domain {
		if ch, ok := r.channels[r.active]; ok {
			return ch
		}
	}
	for _, id := range r.order[domain] {
		if ch, ok := r.channels[id]; ok {
			return ch
		}
	}
	return nil
}

// SetActive marks a session as the focused one. Returns the session's
// domain and false when the session is not live.
func (r *Registry) SetActive(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	domain, ok := r.sessionDomain[sessionID]
	if !ok {
		return "", false
	}
	r.active = sessionID
	return domain, true
}

// ActiveSession returns the active session id, or "" when none is set.
func (r *Registry) ActiveSession() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// IsActive reports whether the given session is the active one.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active != "" && r.active == sessionID
}

// ActiveDomain returns the domain the active session belongs to.
func (r *Registry) ActiveDomain() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return "", false
	}
	domain, ok := r.sessionDomain[r.active]
	return domain, ok
}

// DescribeDomain builds the bracketed catalog description for a domain:
// live session count plus which of them, if any, is active.
func (r *Registry) DescribeDomain(domain, base string) string {
	r.mu.RLock()
	ids := r.order[domain]
	count := len(ids)
	activeIdx := 0
	if r.active != "" && r.sessionDomain[r.active] == domain {
		for i, id := range ids {
			if id == r.active {
				activeIdx = i + 1
				break
			}
		}
	}
	r.mu.RUnlock()

	return naming.Annotate(domain, count, activeIdx, base)
}

// LoadSnapshots pre-seeds domain groups from persisted snapshots.
// Domains that already have a live registration are left untouched.
func (r *Registry) LoadSnapshots(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	snaps, err := r.store.LoadSnapshots(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	seeded := 0
	for _, snap := range snaps {
		if _, exists := r.domains[snap.Domain]; exists {
			continue
		}
		r.domains[snap.Domain] = &domainGroup{
			tools:       append([]wire.ToolDescriptor(nil), snap.Tools...),
			lastUpdated: snap.LastUpdated,
		}
		seeded++
	}
	r.mu.Unlock()

	r.logger.Info("loaded domain snapshots", "seeded", seeded, "stored", len(snaps))
	return nil
}

// persist saves the domain's snapshot. On failure the domain is marked
// dirty and retried after the next successful save; persistence never
// blocks or fails in-memory operations.
func (r *Registry) persist(domain string) {
	if r.store == nil {
		return
	}

	if err := r.saveOne(domain); err != nil {
		r.mu.Lock()
		r.dirty[domain] = struct{}{}
		r.mu.Unlock()
		r.logger.Warn("snapshot save failed", "domain", domain, "error", err)
		return
	}

	// Lazy retry of previously failed domains.
	r.mu.Lock()
	delete(r.dirty, domain)
	retry := make([]string, 0, len(r.dirty))
	for d := range r.dirty {
		retry = append(retry, d)
	}
	r.mu.Unlock()

	for _, d := range retry {
		if err := r.saveOne(d); err != nil {
			r.logger.Warn("snapshot retry failed", "domain", d, "error", err)
			continue
		}
		r.mu.Lock()
		delete(r.dirty, d)
		r.mu.Unlock()
		r.logger.Info("snapshot retry succeeded", "domain", d)
	}
}

func (r *Registry) saveOne(domain string) error {
	r.mu.RLock()
	group, ok := r.domains[domain]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	snap := &store.DomainSnapshot{
		Domain:      domain,
		Tools:       append([]wire.ToolDescriptor(nil), group.tools...),
		LastUpdated: group.lastUpdated,
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.store.SaveSnapshot(ctx, snap)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
