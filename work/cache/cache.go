package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache holds short-lived lookups that are expensive to repeat: the API
// endpoint scraped from a portal's bootstrap script, a portal's genre map, and
// the generated playlist/guide documents. Channel lists are never cached; the
// resolver always fetches them fresh.
type Cache struct {
	endpoints *otter.Cache[string, string]            // portal URL -> resolved API endpoint
	genres    *otter.Cache[string, map[string]string] // source id -> genre id -> title
	documents *otter.Cache[string, []byte]            // document name -> rendered body
}

// NewCache creates the caches with entries expiring duration after they were
// written.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		endpoints: otter.Must(&otter.Options[string, string]{
			MaximumSize:      1_000,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
		genres: otter.Must(&otter.Options[string, map[string]string]{
			MaximumSize:      1_000,
			ExpiryCalculator: otter.ExpiryWriting[string, map[string]string](duration),
		}),
		documents: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](duration),
		}),
	}
}

// GetEndpoint returns the cached API endpoint for a portal URL.
func (c *Cache) GetEndpoint(portalURL string) (string, bool) {
	return c.endpoints.GetIfPresent(portalURL)
}

// SetEndpoint caches the API endpoint resolved for a portal URL.
func (c *Cache) SetEndpoint(portalURL, endpoint string) {
	c.endpoints.Set(portalURL, endpoint)
}

// GetGenres returns the cached genre map of a source.
func (c *Cache) GetGenres(sourceID string) (map[string]string, bool) {
	return c.genres.GetIfPresent(sourceID)
}

// SetGenres caches a source's genre map.
func (c *Cache) SetGenres(sourceID string, genres map[string]string) {
	c.genres.Set(sourceID, genres)
}

// GetDocument returns a cached rendered document.
func (c *Cache) GetDocument(name string) ([]byte, bool) {
	return c.documents.GetIfPresent(name)
}

// SetDocument caches a rendered document.
func (c *Cache) SetDocument(name string, body []byte) {
	c.documents.Set(name, body)
}

// InvalidateSource drops everything derived from one source. Documents span
// all sources, so they are dropped too.
func (c *Cache) InvalidateSource(sourceID, portalURL string) {
	c.genres.Invalidate(sourceID)
	if portalURL != "" {
		c.endpoints.Invalidate(portalURL)
	}
	c.documents.InvalidateAll()
}

// InvalidateDocuments drops the rendered playlist/guide documents.
func (c *Cache) InvalidateDocuments() {
	c.documents.InvalidateAll()
}
