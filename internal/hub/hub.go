// ABOUTME: Orchestrates the unified tool catalog across transient sessions.
// ABOUTME: Applies registration diffs, retention policy, and invocation routing.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/loom/internal/correlate"
	"github.com/2389/loom/internal/naming"
	"github.com/2389/loom/internal/sessions"
	"github.com/2389/loom/internal/wire"
)

// ErrToolNotFound indicates the flat name is not published in the catalog.
var ErrToolNotFound = errors.New("tool not found")

// ErrSessionUnavailable indicates no live or creatable session exists
// for a domain at invocation time.
var ErrSessionUnavailable = errors.New("no session available for domain")

// ErrRegistrationConflict indicates two capabilities in one domain
// sanitize to the same name. First-seen wins.
var ErrRegistrationConflict = errors.New("duplicate tool name in domain")

// DefaultSessionGrace is how long an invocation waits before retrying
// once when no channel is available for the target domain.
const DefaultSessionGrace = 2 * time.Second

// Handler executes a published tool. Website-scoped handlers close over
// their (domain, capability name) pair and delegate back to the hub.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Catalog is the downstream surface where tools are exposed to callers.
type Catalog interface {
	Publish(name, description string, schema json.RawMessage, handler Handler) error
	Update(name, description string, schema json.RawMessage) error
	Retract(name string)
}

// Dialer locates or establishes a session for a domain during
// invocation routing. Optional; without one, routing relies solely on
// already-connected sessions.
type Dialer interface {
	DialSession(ctx context.Context, domain string) (sessions.Channel, error)
}

// Result is the outcome of one tool invocation. IsError marks a failure
// reported by the session itself, as opposed to a routing error.
type Result struct {
	Payload json.RawMessage
	IsError bool
}

// publishedEntry is the hub's view of one live catalog row. The
// canonical (domain, name) pair is carried here so routing never
// depends on the lossy flat-name decode.
type publishedEntry struct {
	flatName    string
	domain      string
	name        string
	description string
	schema      json.RawMessage
	cache       bool
}

type hostTool struct {
	flatName string
	handler  Handler
}

// Config contains the Hub's collaborators and options.
type Config struct {
	Registry     *sessions.Registry
	Correlator   *correlate.Correlator
	Catalog      Catalog
	Dialer       Dialer
	SessionGrace time.Duration
	Logger       *slog.Logger
}

// Hub owns the published-entry table and drives the downstream catalog
// from session lifecycle events. All published-state mutation happens
// behind one mutex so cross-domain transitions see a consistent
// snapshot.
type Hub struct {
	registry *sessions.Registry
	corr     *correlate.Correlator
	catalog  Catalog
	dialer   Dialer
	grace    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	published map[string]*publishedEntry   // flat name -> entry
	byDomain  map[string]map[string]string // domain -> sanitized name -> flat name
	hostTools map[string]*hostTool         // flat name -> host tool
}

// New creates a Hub.
func New(cfg Config) *Hub {
	grace := cfg.SessionGrace
	if grace == 0 {
		grace = DefaultSessionGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		registry:  cfg.Registry,
		corr:      cfg.Correlator,
		catalog:   cfg.Catalog,
		dialer:    cfg.Dialer,
		grace:     grace,
		logger:    logger,
		published: make(map[string]*publishedEntry),
		byDomain:  make(map[string]map[string]string),
		hostTools: make(map[string]*hostTool),
	}
}

// PreSeed loads persisted snapshots and publishes their cache-retained
// tools before any session reconnects. Store failures are logged and
// absorbed.
func (h *Hub) PreSeed(ctx context.Context) {
	if err := h.registry.LoadSnapshots(ctx); err != nil {
		h.logger.Warn("loading snapshots failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seeded := 0
	for domain, info := range h.registry.AllDomains() {
		for _, tool := range info.Tools {
			if !tool.CacheRetained() {
				continue
			}
			flat := naming.Encode(domain, tool.Name)
			if _, ok := h.published[flat]; ok {
				continue
			}
			if h.publishLocked(domain, tool, flat) {
				seeded++
			}
		}
	}
	if seeded > 0 {
		h.logger.Info("pre-seeded cached tools", "count", seeded)
	}
}

// HandleRegister processes a full register-tools snapshot from a session.
func (h *Hub) HandleRegister(domain string, ch sessions.Channel, tools []wire.ToolDescriptor) {
	h.registry.Register(domain, ch, tools)
	h.applyDiff(domain)
}

// HandleUpdate processes a tools-updated message. The payload replaces
// the domain's snapshot and is diffed against the previously published
// set, exactly like a registration.
func (h *Hub) HandleUpdate(domain string, ch sessions.Channel, tools []wire.ToolDescriptor) {
	h.registry.Register(domain, ch, tools)
	h.applyDiff(domain)
}

// HandleResult routes a session's tool-result reply to its waiter.
func (h *Hub) HandleResult(msg *wire.ToolResult) {
	h.corr.Resolve(msg.RequestID, msg.Data)
}

// HandleDisconnect applies retention policy when a session's channel
// closes: cache-retained entries stay published pointing at a domain
// with no live session, the rest are retracted immediately. Pending
// requests to the session fail right away.
func (h *Hub) HandleDisconnect(sessionID string) {
	domain, remaining := h.registry.Unregister(sessionID)
	h.corr.FailSession(sessionID, correlate.ErrSessionDisconnected)
	if domain == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if remaining > 0 {
		h.refreshDomainLocked(domain)
		return
	}

	for _, flat := range flatNames(h.byDomain[domain]) {
		entry := h.published[flat]
		if entry == nil {
			continue
		}
		if entry.cache {
			h.updateDescriptionLocked(entry)
			continue
		}
		h.retractLocked(flat)
	}
}

// HandleActivated processes an active-session transition: publish the
// newly active domain's unpublished tools, retract other domains'
// non-cache entries, and refresh every description.
func (h *Hub) HandleActivated(sessionID string) {
	domain, ok := h.registry.SetActive(sessionID)
	if !ok {
		h.logger.Warn("activation signal for unknown session", "session_id", sessionID)
		return
	}

	h.logger.Info("session activated", "session_id", sessionID, "domain", domain)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Publish anything on the active domain that isn't visible yet.
	seen := make(map[string]struct{})
	for _, tool := range h.registry.Capabilities(domain) {
		key := naming.Sanitize(tool.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		flat := naming.Encode(domain, tool.Name)
		if _, ok := h.published[flat]; ok {
			continue
		}
		h.publishLocked(domain, tool, flat)
	}

	// Other domains lose their non-cache entries.
	for d, names := range h.byDomain {
		if d == domain {
			continue
		}
		for _, flat := range flatNames(names) {
			if entry := h.published[flat]; entry != nil && !entry.cache {
				h.retractLocked(flat)
			}
		}
	}

	// Session-count and active annotations changed for everyone.
	for _, entry := range h.entriesSnapshot() {
		h.updateDescriptionLocked(entry)
	}
}

// RegisterHostTool publishes a host-scoped tool that executes locally,
// with no domain segment and no session routing.
func (h *Hub) RegisterHostTool(name, description string, schema json.RawMessage, handler Handler) error {
	flat := naming.EncodeHost(name)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.hostTools[flat]; ok {
		return ErrRegistrationConflict
	}
	if err := h.catalog.Publish(flat, description, schema, handler); err != nil {
		return err
	}
	h.hostTools[flat] = &hostTool{flatName: flat, handler: handler}

	h.logger.Info("host tool published", "flat_name", flat)
	return nil
}

// Invoke routes a call to the session backing the flat name. Host-scoped
// names dispatch to their local handler without any session lookup.
func (h *Hub) Invoke(ctx context.Context, flatName string, args json.RawMessage) (*Result, error) {
	h.mu.Lock()
	if ht, ok := h.hostTools[flatName]; ok {
		h.mu.Unlock()
		payload, err := ht.handler(ctx, args)
		if err != nil {
			return nil, err
		}
		return &Result{Payload: payload}, nil
	}

	entry, ok := h.published[flatName]
	if !ok {
		h.mu.Unlock()
		return nil, ErrToolNotFound
	}
	domain, name := entry.domain, entry.name
	h.mu.Unlock()

	return h.invokeDomainTool(ctx, domain, name, args)
}

// invokeDomainTool finds a live channel for the domain, waiting one
// bounded grace period when none is immediately available, then
// dispatches through the correlator.
func (h *Hub) invokeDomainTool(ctx context.Context, domain, name string, args json.RawMessage) (*Result, error) {
	ch, err := h.findChannel(ctx, domain)
	if err != nil {
		return nil, err
	}

	data, err := h.corr.Dispatch(ctx, ch, name, args)
	if err != nil {
		return nil, err
	}

	result := &Result{Payload: data.Payload}
	if !data.Success {
		result.IsError = true
	}
	return result, nil
}

func (h *Hub) findChannel(ctx context.Context, domain string) (sessions.Channel, error) {
	if ch := h.registry.ChannelForDomain(domain); ch != nil {
		return ch, nil
	}
	if h.dialer != nil {
		if ch, err := h.dialer.DialSession(ctx, domain); err == nil && ch != nil {
			return ch, nil
		}
	}

	// Bounded grace period, then one retry.
	select {
	case <-time.After(h.grace):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if ch := h.registry.ChannelForDomain(domain); ch != nil {
		return ch, nil
	}

	h.logger.Warn("no session available", "domain", domain)
	return nil, ErrSessionUnavailable
}

// applyDiff reconciles the domain's new snapshot against its published
// entries: publish added, update kept in place, retract removed unless
// the removed descriptor itself carried the cache annotation.
func (h *Hub) applyDiff(domain string) {
	tools := h.registry.Capabilities(domain)

	h.mu.Lock()
	defer h.mu.Unlock()

	activeDomain, hasActive := h.registry.ActiveDomain()
	// Before any activation signal arrives, every domain is eligible.
	eligible := !hasActive || activeDomain == domain

	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		key := naming.Sanitize(tool.Name)
		if _, dup := seen[key]; dup {
			h.logger.Warn("tool name conflict, keeping first-seen",
				"domain", domain,
				"tool_name", tool.Name,
				"error", ErrRegistrationConflict,
			)
			continue
		}
		seen[key] = struct{}{}

		flat := naming.Encode(domain, tool.Name)
		if entry, ok := h.published[flat]; ok {
			// Kept: update in place, never retract+republish.
			entry.name = tool.Name
			entry.description = tool.Description
			entry.schema = tool.InputSchema
			entry.cache = tool.CacheRetained()
			h.updateDescriptionLocked(entry)
			continue
		}

		if eligible || tool.CacheRetained() {
			h.publishLocked(domain, tool, flat)
		}
	}

	// Removed: previously published under this domain, absent from the
	// new snapshot.
	for key, flat := range cloneNameMap(h.byDomain[domain]) {
		if _, still := seen[key]; still {
			continue
		}
		entry := h.published[flat]
		if entry != nil && entry.cache {
			// Removal-time retention: the removed descriptor carried
			// the cache annotation, so the entry stays visible.
			continue
		}
		h.retractLocked(flat)
	}
}

// publishLocked publishes one tool and records it. Returns false when
// the catalog rejects the entry, which leaves it unpublished.
// Caller must hold h.mu.
func (h *Hub) publishLocked(domain string, tool wire.ToolDescriptor, flat string) bool {
	// Resolve through the published entry at call time so a rename that
	// keeps the same flat name dispatches the current capability name.
	handler := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		res, err := h.Invoke(ctx, flat, args)
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, &ToolError{Payload: res.Payload}
		}
		return res.Payload, nil
	}

	desc := h.registry.DescribeDomain(domain, tool.Description)
	if err := h.catalog.Publish(flat, desc, tool.InputSchema, handler); err != nil {
		h.logger.Warn("catalog rejected publish",
			"flat_name", flat,
			"domain", domain,
			"error", err,
		)
		return false
	}

	h.published[flat] = &publishedEntry{
		flatName:    flat,
		domain:      domain,
		name:        tool.Name,
		description: tool.Description,
		schema:      tool.InputSchema,
		cache:       tool.CacheRetained(),
	}
	if h.byDomain[domain] == nil {
		h.byDomain[domain] = make(map[string]string)
	}
	h.byDomain[domain][naming.Sanitize(tool.Name)] = flat

	h.logger.Debug("published tool", "flat_name", flat, "domain", domain)
	return true
}

// retractLocked removes one entry from the catalog and the hub's
// tables. Caller must hold h.mu.
func (h *Hub) retractLocked(flat string) {
	entry := h.published[flat]
	if entry == nil {
		return
	}
	h.catalog.Retract(flat)
	delete(h.published, flat)
	if names := h.byDomain[entry.domain]; names != nil {
		delete(names, naming.Sanitize(entry.name))
		if len(names) == 0 {
			delete(h.byDomain, entry.domain)
		}
	}
	h.logger.Debug("retracted tool", "flat_name", flat, "domain", entry.domain)
}

// updateDescriptionLocked pushes a refreshed annotated description to
// the catalog. A rejected update leaves the entry unpublished.
// Caller must hold h.mu.
func (h *Hub) updateDescriptionLocked(entry *publishedEntry) {
	desc := h.registry.DescribeDomain(entry.domain, entry.description)
	if err := h.catalog.Update(entry.flatName, desc, entry.schema); err != nil {
		h.logger.Warn("catalog rejected update",
			"flat_name", entry.flatName,
			"error", err,
		)
		h.retractLocked(entry.flatName)
	}
}

// refreshDomainLocked refreshes descriptions for one domain's entries.
// Caller must hold h.mu.
func (h *Hub) refreshDomainLocked(domain string) {
	for _, flat := range flatNames(h.byDomain[domain]) {
		if entry := h.published[flat]; entry != nil {
			h.updateDescriptionLocked(entry)
		}
	}
}

// PublishedNames returns the flat names currently visible downstream.
func (h *Hub) PublishedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.published)+len(h.hostTools))
	for flat := range h.published {
		names = append(names, flat)
	}
	for flat := range h.hostTools {
		names = append(names, flat)
	}
	return names
}

func (h *Hub) entriesSnapshot() []*publishedEntry {
	entries := make([]*publishedEntry, 0, len(h.published))
	for _, e := range h.published {
		entries = append(entries, e)
	}
	return entries
}

func flatNames(names map[string]string) []string {
	out := make([]string, 0, len(names))
	for _, flat := range names {
		out = append(out, flat)
	}
	return out
}

func cloneNameMap(names map[string]string) map[string]string {
	out := make(map[string]string, len(names))
	for k, v := range names {
		out[k] = v
	}
	return out
}

// ToolError wraps a failure payload reported by the session itself.
type ToolError struct {
	Payload json.RawMessage
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if len(e.Payload) == 0 {
		return "tool reported failure"
	}
	return "tool reported failure: " + string(e.Payload)
}
