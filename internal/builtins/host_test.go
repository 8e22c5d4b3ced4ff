// ABOUTME: Tests for the built-in host tools: registration, status output,
// ABOUTME: and domain listing.

package builtins

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2389/loom/internal/correlate"
	"github.com/2389/loom/internal/hub"
	"github.com/2389/loom/internal/sessions"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/wire"
)

// memCatalog is a minimal hub.Catalog that also satisfies the status
// tool's Catalog view.
type memCatalog struct {
	mu       sync.Mutex
	handlers map[string]hub.Handler
}

func newMemCatalog() *memCatalog {
	return &memCatalog{handlers: make(map[string]hub.Handler)}
}

func (c *memCatalog) Publish(name, _ string, _ json.RawMessage, handler hub.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
	return nil
}

func (c *memCatalog) Update(string, string, json.RawMessage) error { return nil }

func (c *memCatalog) Retract(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, name)
}

func (c *memCatalog) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

type fakeChannel struct{ id string }

func (c *fakeChannel) SessionID() string       { return c.id }
func (c *fakeChannel) Send(wire.Message) error { return nil }

func setup(t *testing.T) (*hub.Hub, *sessions.Registry, *memCatalog) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := sessions.New(store.NewMockStore(), logger)
	corr := correlate.New(correlate.Config{Timeout: time.Second, Logger: logger})
	t.Cleanup(corr.Close)
	cat := newMemCatalog()

	h := hub.New(hub.Config{
		Registry:     registry,
		Correlator:   corr,
		Catalog:      cat,
		SessionGrace: 10 * time.Millisecond,
		Logger:       logger,
	})

	if err := Register(h, registry, cat, "test"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return h, registry, cat
}

func invoke(t *testing.T, h *hub.Hub, name string, out any) {
	t.Helper()
	res, err := h.Invoke(context.Background(), name, nil)
	if err != nil {
		t.Fatalf("Invoke(%s) error = %v", name, err)
	}
	if res.IsError {
		t.Fatalf("Invoke(%s) returned error result", name)
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
}

func TestRegisterPublishesHostTools(t *testing.T) {
	_, _, cat := setup(t)

	for _, name := range []string{"extension_hub_status", "extension_list_domains"} {
		cat.mu.Lock()
		_, ok := cat.handlers[name]
		cat.mu.Unlock()
		if !ok {
			t.Errorf("expected %s to be published", name)
		}
	}
}

func TestHubStatus(t *testing.T) {
	h, registry, _ := setup(t)

	registry.Register("example.com", &fakeChannel{id: "s1"}, []wire.ToolDescriptor{
		{Name: "search"},
	})

	var status struct {
		Version        string `json:"version"`
		Domains        int    `json:"domains"`
		PublishedTools int    `json:"publishedTools"`
		ActiveDomain   string `json:"activeDomain"`
	}
	invoke(t, h, "extension_hub_status", &status)

	if status.Version != "test" {
		t.Errorf("Version = %q, want %q", status.Version, "test")
	}
	if status.Domains != 1 {
		t.Errorf("Domains = %d, want 1", status.Domains)
	}
	// The two host tools themselves are published.
	if status.PublishedTools != 2 {
		t.Errorf("PublishedTools = %d, want 2", status.PublishedTools)
	}
	if status.ActiveDomain != "" {
		t.Errorf("ActiveDomain = %q, want empty", status.ActiveDomain)
	}

	registry.SetActive("s1")
	invoke(t, h, "extension_hub_status", &status)
	if status.ActiveDomain != "example.com" {
		t.Errorf("ActiveDomain = %q, want %q", status.ActiveDomain, "example.com")
	}
}

func TestListDomains(t *testing.T) {
	h, registry, _ := setup(t)

	registry.Register("beta.com", &fakeChannel{id: "b1"}, []wire.ToolDescriptor{
		{Name: "run"},
	})
	registry.Register("alpha.com", &fakeChannel{id: "a1"}, []wire.ToolDescriptor{
		{Name: "search"}, {Name: "get-page"},
	})
	registry.SetActive("a1")

	var result struct {
		Domains []struct {
			Domain       string   `json:"domain"`
			LiveSessions int      `json:"liveSessions"`
			Tools        []string `json:"tools"`
			Active       bool     `json:"active"`
		} `json:"domains"`
	}
	invoke(t, h, "extension_list_domains", &result)

	if len(result.Domains) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(result.Domains))
	}
	// Sorted by domain name.
	if result.Domains[0].Domain != "alpha.com" || result.Domains[1].Domain != "beta.com" {
		t.Errorf("unexpected order: %+v", result.Domains)
	}
	if !result.Domains[0].Active {
		t.Error("expected alpha.com to be active")
	}
	if result.Domains[1].Active {
		t.Error("expected beta.com to be inactive")
	}
	if len(result.Domains[0].Tools) != 2 {
		t.Errorf("expected 2 tools for alpha.com, got %d", len(result.Domains[0].Tools))
	}
	if result.Domains[1].LiveSessions != 1 {
		t.Errorf("LiveSessions = %d, want 1", result.Domains[1].LiveSessions)
	}
}
