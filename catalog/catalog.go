// Package catalog aggregates feeds downloaded from configured catalog
// URIs for short-name alias resolution, per spec §4.E. Structurally
// mirrors feed.Manager's fetch/cache/freshness machinery, reused via
// composition rather than duplicated.
package catalog

import (
	"strings"

	"github.com/AlexanderEkdahl/zeroinstall/feed"
	"github.com/AlexanderEkdahl/zeroinstall/model"
)

// Catalog is a concatenation of feeds downloaded from configured catalog
// URIs, indexed by short name (feed name and first entry point's
// binary-name).
type Catalog struct {
	Manager *feed.Manager
	URIs    []model.FeedURI

	byShortName map[string]*model.Feed
}

// NewCatalog returns a catalog backed by manager, aggregating the feeds
// at uris.
func NewCatalog(manager *feed.Manager, uris []model.FeedURI) *Catalog {
	return &Catalog{Manager: manager, URIs: uris}
}

// Refresh (re)fetches every configured catalog feed and rebuilds the
// short-name index.
func (c *Catalog) Refresh() error {
	index := map[string]*model.Feed{}

	for _, uri := range c.URIs {
		f, err := c.Manager.Get(uri)
		if err != nil {
			return err
		}
		for _, name := range shortNames(f) {
			key := strings.ToLower(name)
			if _, exists := index[key]; !exists {
				index[key] = f
			}
		}
	}

	c.byShortName = index
	return nil
}

func shortNames(f *model.Feed) []string {
	names := []string{f.Name}
	for _, ep := range f.EntryPoints {
		if ep.BinaryName != "" {
			names = append(names, ep.BinaryName)
			break // spec §4.E: "its first run-entry-point's binary-name"
		}
	}
	return names
}

// FindByShortName returns the first feed whose name or first
// entry-point binary-name matches s, ignoring case.
func (c *Catalog) FindByShortName(s string) (*model.Feed, bool) {
	if c.byShortName == nil {
		return nil, false
	}
	f, ok := c.byShortName[strings.ToLower(s)]
	return f, ok
}
