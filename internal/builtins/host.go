// ABOUTME: Host-scoped tools served by the hub itself: status and domain listing.
// ABOUTME: These run locally and never route to a session.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/2389/loom/internal/hub"
	"github.com/2389/loom/internal/sessions"
)

// Catalog is the minimal catalog view the status tool reports on.
type Catalog interface {
	ToolCount() int
}

// Register publishes the built-in host tools on the hub.
func Register(h *hub.Hub, registry *sessions.Registry, cat Catalog, version string) error {
	b := &hostHandlers{
		registry: registry,
		catalog:  cat,
		version:  version,
	}

	if err := h.RegisterHostTool(
		"hub_status",
		"Report hub health: version, connected domains, and catalog size",
		json.RawMessage(`{"type":"object"}`),
		b.Status,
	); err != nil {
		return fmt.Errorf("registering hub_status: %w", err)
	}

	if err := h.RegisterHostTool(
		"list_domains",
		"List known domains with live session counts and advertised tools",
		json.RawMessage(`{"type":"object"}`),
		b.ListDomains,
	); err != nil {
		return fmt.Errorf("registering list_domains: %w", err)
	}

	return nil
}

type hostHandlers struct {
	registry *sessions.Registry
	catalog  Catalog
	version  string
}

type statusResult struct {
	Version        string `json:"version"`
	Domains        int    `json:"domains"`
	PublishedTools int    `json:"publishedTools"`
	ActiveDomain   string `json:"activeDomain,omitempty"`
}

// Status reports a summary of the hub's current state.
func (b *hostHandlers) Status(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	result := statusResult{
		Version:        b.version,
		Domains:        len(b.registry.AllDomains()),
		PublishedTools: b.catalog.ToolCount(),
	}
	if domain, ok := b.registry.ActiveDomain(); ok {
		result.ActiveDomain = domain
	}
	return json.Marshal(result)
}

type domainEntry struct {
	Domain       string   `json:"domain"`
	LiveSessions int      `json:"liveSessions"`
	Tools        []string `json:"tools"`
	Active       bool     `json:"active,omitempty"`
}

type listDomainsResult struct {
	Domains []domainEntry `json:"domains"`
}

// ListDomains lists every known domain group, including ones with no
// live session that survive through cached snapshots.
func (b *hostHandlers) ListDomains(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	activeDomain, _ := b.registry.ActiveDomain()

	all := b.registry.AllDomains()
	result := listDomainsResult{Domains: make([]domainEntry, 0, len(all))}
	for domain, info := range all {
		entry := domainEntry{
			Domain:       domain,
			LiveSessions: b.registry.LiveCount(domain),
			Tools:        make([]string, 0, len(info.Tools)),
			Active:       domain == activeDomain,
		}
		for _, tool := range info.Tools {
			entry.Tools = append(entry.Tools, tool.Name)
		}
		result.Domains = append(result.Domains, entry)
	}
	sort.Slice(result.Domains, func(i, j int) bool {
		return result.Domains[i].Domain < result.Domains[j].Domain
	})

	return json.Marshal(result)
}
