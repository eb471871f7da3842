// Package geofabrik resolves pre-built OSM extracts from a geofabrik-style
// GeoJSON index: each feature carries an extract id and a direct pbf
// download url.
package geofabrik

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/osmtools/pbf-ingester/common"
	"github.com/osmtools/pbf-ingester/service"
	"github.com/osmtools/pbf-ingester/service/geometry"
	"github.com/osmtools/pbf-ingester/service/log"
	"github.com/paulsmith/gogeos/geos"
)

// DefaultIndexURL is the public geofabrik extract index
const DefaultIndexURL = "https://download.geofabrik.de/index-v1.json"

// Provider implements catalog.ExtractsProvider on a GeoJSON extract index
type Provider struct {
	IndexURL string

	mu      sync.Mutex
	loaded  bool
	entries []indexEntry // sorted by ascending area
}

type indexEntry struct {
	extract common.Extract
	geom    *geos.Geometry
	area    float64
}

// NewProvider creates a Provider on the given index url (DefaultIndexURL if empty)
func NewProvider(indexURL string) *Provider {
	if indexURL == "" {
		indexURL = DefaultIndexURL
	}
	return &Provider{IndexURL: indexURL}
}

// Name implements ExtractsProvider
func (p *Provider) Name() string {
	return "Geofabrik"
}

// ResolveExtracts implements ExtractsProvider: for each polygon part of the
// aoi it selects the smallest extract covering the part, falling back to a
// smallest-first union of intersecting extracts when no single one covers it.
func (p *Provider) ResolveExtracts(ctx context.Context, aoi geom.Geometry) ([]common.Extract, error) {
	if err := p.load(ctx); err != nil {
		return nil, fmt.Errorf("ResolveExtracts.%w", err)
	}

	var extracts []common.Extract
	seen := map[string]struct{}{}
	push := func(e common.Extract) {
		if _, ok := seen[e.ID]; !ok {
			seen[e.ID] = struct{}{}
			extracts = append(extracts, e)
		}
	}

	for _, part := range geometry.Flatten(aoi) {
		partGeos, err := geometry.GeomToGeos(part)
		if err != nil {
			return nil, fmt.Errorf("ResolveExtracts.%w", err)
		}
		covering, err := p.coveringSet(partGeos)
		if err != nil {
			return nil, fmt.Errorf("ResolveExtracts.%w", err)
		}
		for _, e := range covering {
			push(e)
		}
	}
	return extracts, nil
}

// coveringSet returns the smallest extract covering the part, or the
// smallest-first set of intersecting extracts whose union covers it
func (p *Provider) coveringSet(part *geos.Geometry) ([]common.Extract, error) {
	for _, entry := range p.entries {
		covers, err := entry.geom.Covers(part)
		if err != nil {
			return nil, fmt.Errorf("coveringSet.Covers: %w", err)
		}
		if covers {
			return []common.Extract{entry.extract}, nil
		}
	}

	var selected []common.Extract
	var union *geos.Geometry
	for _, entry := range p.entries {
		intersects, err := entry.geom.Intersects(part)
		if err != nil {
			return nil, fmt.Errorf("coveringSet.Intersects: %w", err)
		}
		if !intersects {
			continue
		}
		selected = append(selected, entry.extract)
		if union == nil {
			union = entry.geom
		} else if union, err = union.Union(entry.geom); err != nil {
			return nil, fmt.Errorf("coveringSet.Union: %w", err)
		}
		covers, err := union.Covers(part)
		if err != nil {
			return nil, fmt.Errorf("coveringSet.Covers: %w", err)
		}
		if covers {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("coveringSet: no set of extracts covers the query geometry")
}

// load fetches the index on first use. A failed load is not sticky: the next
// call fetches again.
func (p *Provider) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	log.Logger(ctx).Sugar().Debugf("loading extract index %s", p.IndexURL)
	body, err := service.GetBodyRetry(p.IndexURL, 3)
	if err != nil {
		return fmt.Errorf("load[%s]: %w", p.IndexURL, err)
	}
	entries, err := parseIndex(body)
	if err != nil {
		return fmt.Errorf("load[%s]: %w", p.IndexURL, err)
	}
	p.entries, p.loaded = entries, true
	return nil
}

func parseIndex(body []byte) ([]indexEntry, error) {
	index := struct {
		Features []struct {
			Properties struct {
				ID   string `json:"id"`
				Urls struct {
					PBF string `json:"pbf"`
				} `json:"urls"`
			} `json:"properties"`
			Geometry geojson.Geometry `json:"geometry"`
		} `json:"features"`
	}{}
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("parseIndex.Unmarshal: %w", err)
	}

	var entries []indexEntry
	for _, f := range index.Features {
		if f.Properties.ID == "" || f.Properties.Urls.PBF == "" {
			continue
		}
		gg, err := geometry.GeomToGeos(f.Geometry.Geometry)
		if err != nil {
			return nil, fmt.Errorf("parseIndex[%s].%w", f.Properties.ID, err)
		}
		area, err := gg.Area()
		if err != nil {
			return nil, fmt.Errorf("parseIndex[%s].Area: %w", f.Properties.ID, err)
		}
		entries = append(entries, indexEntry{
			extract: common.Extract{ID: f.Properties.ID, URL: f.Properties.Urls.PBF},
			geom:    gg,
			area:    area,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].area < entries[j].area })
	return entries, nil
}
