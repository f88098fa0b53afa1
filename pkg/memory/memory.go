// -- pkg/memory/memory.go --

// Package memory holds the canonical shared state for one audit session:
// which links exist, which were visited, the analysis notes accumulated per
// page, and the finalized crawl map used for reporting. Agents and
// validators mutate this state only through the narrow API here, so the
// visited bit is never duplicated into stale local copies.
package memory

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// LinkInfo is a candidate navigation target discovered on a page. The
// Visited flag is owned by PageMemory; callers must look it up there rather
// than caching their own copy.
type LinkInfo struct {
	Description string `json:"description"`
	Selector    string `json:"selector"`
	Href        string `json:"href"`
	Visited     bool   `json:"visited"`
}

// EndpointResult records the outcome of probing one API endpoint discovered
// on a page.
type EndpointResult struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Note       string `json:"note,omitempty"`
}

// PageRecord aggregates everything known about one normalized URL.
type PageRecord struct {
	URL             string           `json:"url"`
	Links           []LinkInfo       `json:"links"`
	Analysis        []string         `json:"analysis,omitempty"`
	EndpointResults []EndpointResult `json:"endpoint_results,omitempty"`
}

// NormalizeURL canonicalizes a URL for use as a PageRecord key: the fragment
// is dropped, the trailing slash removed (except for the root path), and
// scheme/host lowercased. Revisiting any spelling of the same page merges
// into one record.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("cannot normalize %q: %w", raw, err)
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// PageMemory is the per-session visited-page store. Safe for the
// cooperating agents of one session; sessions never share an instance.
type PageMemory struct {
	mu    sync.RWMutex
	pages map[string]*PageRecord
}

// NewPageMemory creates an empty store.
func NewPageMemory() *PageMemory {
	return &PageMemory{pages: make(map[string]*PageRecord)}
}

// AddPage registers a page and its discovered links. Revisiting a URL merges
// the new links into the existing record; a link already known keeps its
// visited bit.
func (m *PageMemory) AddPage(rawURL string, links []LinkInfo) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pages[key]
	if !ok {
		rec = &PageRecord{URL: key}
		m.pages[key] = rec
	}
	for _, l := range links {
		if idx := findLink(rec.Links, l.Href); idx >= 0 {
			// Keep the canonical visited bit; refresh the descriptive fields.
			rec.Links[idx].Description = l.Description
			rec.Links[idx].Selector = l.Selector
			continue
		}
		l.Visited = false
		rec.Links = append(rec.Links, l)
	}
	return nil
}

// AddAnalysis appends a finding note to the page's record, creating the
// record if the page was never registered.
func (m *PageMemory) AddAnalysis(rawURL, note string) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pages[key]
	if !ok {
		rec = &PageRecord{URL: key}
		m.pages[key] = rec
	}
	rec.Analysis = append(rec.Analysis, note)
	return nil
}

// AddEndpointResults appends endpoint probe results to the page's record.
func (m *PageMemory) AddEndpointResults(rawURL string, results []EndpointResult) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pages[key]
	if !ok {
		rec = &PageRecord{URL: key}
		m.pages[key] = rec
	}
	rec.EndpointResults = append(rec.EndpointResults, results...)
	return nil
}

// MarkLinkVisited sets the canonical visited bit for one link. Marking twice
// is a no-op; marking a link on an unknown page is an error.
func (m *PageMemory) MarkLinkVisited(rawURL, href string) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pages[key]
	if !ok {
		return fmt.Errorf("no page record for %q", key)
	}
	idx := findLink(rec.Links, href)
	if idx < 0 {
		return fmt.Errorf("link %q not found on %q", href, key)
	}
	rec.Links[idx].Visited = true
	return nil
}

// AllUnvisitedLinks returns the links of a page that the canonical store
// still considers unvisited. A caller holding a stale queue copy must use
// this instead; canonical state always wins.
func (m *PageMemory) AllUnvisitedLinks(rawURL string) ([]LinkInfo, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.pages[key]
	if !ok {
		return nil, nil
	}
	var out []LinkInfo
	for _, l := range rec.Links {
		if !l.Visited {
			out = append(out, l)
		}
	}
	return out, nil
}

// RemoveLink deletes a link from a page record, for targets that turned out
// to be unactionable. Removing an unknown link is a no-op.
func (m *PageMemory) RemoveLink(rawURL, href string) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pages[key]
	if !ok {
		return nil
	}
	if idx := findLink(rec.Links, href); idx >= 0 {
		rec.Links = append(rec.Links[:idx], rec.Links[idx+1:]...)
	}
	return nil
}

// Page returns a copy of the record for the given URL, or nil when unknown.
func (m *PageMemory) Page(rawURL string) (*PageRecord, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.pages[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Links = append([]LinkInfo(nil), rec.Links...)
	cp.Analysis = append([]string(nil), rec.Analysis...)
	cp.EndpointResults = append([]EndpointResult(nil), rec.EndpointResults...)
	return &cp, nil
}

// Len reports the number of distinct page records.
func (m *PageMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// Clear resets all state. Called exactly once per session teardown.
func (m *PageMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[string]*PageRecord)
}

func findLink(links []LinkInfo, href string) int {
	for i, l := range links {
		if l.Href == href {
			return i
		}
	}
	return -1
}

// CrawlEntry is a denormalized, write-once record of a finalized page visit.
type CrawlEntry struct {
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
	LinksFound  int       `json:"links_found"`
	Notes       []string  `json:"notes,omitempty"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// CrawlMap records finalized page visits for reporting. Entries are
// append-only: once a URL is finalized it is never rewritten.
type CrawlMap struct {
	mu      sync.RWMutex
	entries map[string]CrawlEntry
	order   []string
}

// NewCrawlMap creates an empty crawl map.
func NewCrawlMap() *CrawlMap {
	return &CrawlMap{entries: make(map[string]CrawlEntry)}
}

// Finalize writes the entry for a page whose links are exhausted. A second
// finalize of the same URL is ignored.
func (c *CrawlMap) Finalize(rawURL string, entry CrawlEntry) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return nil
	}
	entry.URL = key
	if entry.FinalizedAt.IsZero() {
		entry.FinalizedAt = time.Now().UTC()
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
	return nil
}

// Snapshot returns the finalized entries in finalization order.
func (c *CrawlMap) Snapshot() []CrawlEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CrawlEntry, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key])
	}
	return out
}

// Clear resets the map at session teardown.
func (c *CrawlMap) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CrawlEntry)
	c.order = nil
}
