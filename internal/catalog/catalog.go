// Package catalog holds the integration catalog the resolver and scorer work from.
package catalog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Entry describes one integration known to the platform.
type Entry struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Category         string            `json:"category" yaml:"category"`
	AuthMethod       domain.AuthMethod `json:"authMethod" yaml:"authMethod"`
	Native           bool              `json:"native" yaml:"native"`
	APIKey           bool              `json:"apiKey" yaml:"apiKey"`
	DisplayName      string            `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	DocsURL          string            `json:"docsUrl,omitempty" yaml:"docsUrl,omitempty"`
	HTTPSEndpoint    bool              `json:"httpsEndpoint" yaml:"httpsEndpoint"`
	RateLimited      bool              `json:"rateLimited" yaml:"rateLimited"`
	EncryptedTransit bool              `json:"encryptedTransit" yaml:"encryptedTransit"`
	Keywords         []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	// Observed usage metrics, nil when unknown.
	SuccessRate  *float64   `json:"successRate,omitempty" yaml:"successRate,omitempty"`
	AvgLatencyMs *float64   `json:"avgLatencyMs,omitempty" yaml:"avgLatencyMs,omitempty"`
	UsageCount   *int64     `json:"usageCount,omitempty" yaml:"usageCount,omitempty"`
	LastUpdated  *time.Time `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty"`
}

// Normalize canonicalizes a tool identifier for lookups.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(id)
}

// Catalog is a concurrency-safe set of entries keyed by normalized id.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates a catalog with the given entries.
func New(entries ...Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		c.entries[Normalize(e.ID)] = e
	}
	return c
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Normalize(id)]
	return e, ok
}

// List returns all entries sorted by id.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert adds or replaces an entry.
func (c *Catalog) Upsert(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Normalize(e.ID)] = e
}

// Remove deletes an entry and reports whether it existed.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Normalize(id)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"email", []string{"mail", "smtp", "inbox", "outlook"}},
	{"messaging", []string{"slack", "chat", "message", "sms", "telegram", "discord", "teams", "whatsapp"}},
	{"spreadsheet", []string{"sheet", "excel", "csv", "airtable", "table"}},
	{"ai", []string{"ai", "gpt", "llm", "agent", "openai", "claude", "completion"}},
	{"http", []string{"http", "webhook", "rest", "api"}},
	{"storage", []string{"drive", "dropbox", "s3", "storage", "file", "bucket"}},
	{"calendar", []string{"calendar", "meeting", "schedule"}},
	{"crm", []string{"crm", "salesforce", "hubspot", "pipedrive"}},
	{"docs", []string{"notion", "doc", "wiki", "confluence"}},
}

// InferCategory guesses a functional category from a tool name.
// It returns "" when nothing matches.
func InferCategory(name string) string {
	n := Normalize(name)
	tokens := strings.FieldsFunc(n, func(r rune) bool { return r == '_' || r == '.' || r == '/' })
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if len(w) <= 3 {
				// Short words only match whole tokens so "ai" does not hit "mail".
				for _, tok := range tokens {
					if tok == w {
						return ck.category
					}
				}
				continue
			}
			if strings.Contains(n, w) {
				return ck.category
			}
		}
	}
	return ""
}
