package common

import (
	"github.com/go-spatial/geom"
)

// Region is an area to download an extract for.
// The geometry is read-only for the duration of a run.
type Region struct {
	ID       string        `json:"id"`
	Geometry geom.Geometry `json:"-"`
}

// Extract is a pre-built archive resolved by an extract catalog.
type Extract struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RegionPaths maps a region id (or an extract id in catalog mode) to the
// ordered list of downloaded artifact paths, one per polygon part.
type RegionPaths map[string][]string
