package geometry

import (
	"fmt"

	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	"github.com/paulsmith/gogeos/geos"
)

// Generates a geom.Geometry from a geos.Geometry
func GeosToGeom(g *geos.Geometry) (geom.Geometry, error) {
	wkt, err := g.ToWKT()
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.ToWKT: %w", err)
	}
	geometry, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.DecodeString: %w", err)
	}

	return geometry, nil
}

// Generates a geos.Geometry from a geom.Geometry
func GeomToGeos(g geom.Geometry) (*geos.Geometry, error) {
	wkt, err := geomwkt.EncodeString(g)
	if err != nil {
		return nil, fmt.Errorf("GeomToGeos.EncodeString: %w", err)
	}
	geometry, err := geos.FromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeomToGeos.FromWKT: %w", err)
	}

	return geometry, nil
}

var TOLERANCE_GEOG = 0.000001

func Union(geoms []*geos.Geometry, tolerance float64) (*geos.Geometry, error) {
	aoi, err := UnaryUnion(geoms)
	if err == nil {
		if aoi, err = aoi.Simplify(tolerance); err != nil {
			return nil, fmt.Errorf("Union.Simplify: %w", err)
		}
		return aoi, nil
	}
	// Union all failed, retry one by one with simplify
	for _, geom := range geoms {
		if geom, err = geom.Simplify(tolerance); err != nil {
			return nil, fmt.Errorf("Union.Simplify: %w", err)
		}
		if aoi, err = geom.Union(aoi); err != nil {
			return nil, fmt.Errorf("Union: %w", err)
		}
	}
	return aoi, nil
}

func UnaryUnion(geoms []*geos.Geometry) (*geos.Geometry, error) {
	aoi, err := geos.NewCollection(geos.MULTIPOLYGON, geoms...)
	if err != nil {
		return nil, fmt.Errorf("UnaryUnion.NewCollection: %w", err)
	}
	if aoi, err = aoi.UnaryUnion(); err != nil {
		return nil, fmt.Errorf("UnaryUnion.UnaryUnion: %w", err)
	}
	return aoi, nil
}

// UnionAll merges the given geometries into a single geometry
func UnionAll(gs []geom.Geometry) (geom.Geometry, error) {
	geoms := make([]*geos.Geometry, 0, len(gs))
	for _, g := range gs {
		gg, err := GeomToGeos(g)
		if err != nil {
			return nil, fmt.Errorf("UnionAll.%w", err)
		}
		geoms = append(geoms, gg)
	}
	aoi, err := UnaryUnion(geoms)
	if err != nil {
		return nil, fmt.Errorf("UnionAll.%w", err)
	}
	union, err := GeosToGeom(aoi)
	if err != nil {
		return nil, fmt.Errorf("UnionAll.%w", err)
	}
	return union, nil
}

// UnionAOI merges the geometries into a single area of interest, simplified
// with TOLERANCE_GEOG. Unlike UnionAll it recovers from a failing union by
// simplifying and merging the geometries one at a time.
func UnionAOI(gs []geom.Geometry) (geom.Geometry, error) {
	geoms := make([]*geos.Geometry, 0, len(gs))
	for _, g := range gs {
		gg, err := GeomToGeos(g)
		if err != nil {
			return nil, fmt.Errorf("UnionAOI.%w", err)
		}
		geoms = append(geoms, gg)
	}
	aoi, err := Union(geoms, TOLERANCE_GEOG)
	if err != nil {
		return nil, fmt.Errorf("UnionAOI.%w", err)
	}
	union, err := GeosToGeom(aoi)
	if err != nil {
		return nil, fmt.Errorf("UnionAOI.%w", err)
	}
	return union, nil
}

// Covers returns whether every point of b lies within or on the boundary of a
func Covers(a, b geom.Geometry) (bool, error) {
	ga, err := GeomToGeos(a)
	if err != nil {
		return false, fmt.Errorf("Covers.%w", err)
	}
	gb, err := GeomToGeos(b)
	if err != nil {
		return false, fmt.Errorf("Covers.%w", err)
	}
	covers, err := ga.Covers(gb)
	if err != nil {
		return false, fmt.Errorf("Covers: %w", err)
	}
	return covers, nil
}

// Flatten decomposes g into the ordered list of its single polygons
func Flatten(g geom.Geometry) []geom.Polygon {
	var polygons []geom.Polygon
	switch g := g.(type) {
	case geom.Polygon:
		polygons = append(polygons, g)
	case geom.MultiPolygon:
		for _, rings := range g.Polygons() {
			polygons = append(polygons, geom.Polygon(rings))
		}
	case geom.Collection:
		for _, sub := range g.Geometries() {
			polygons = append(polygons, Flatten(sub)...)
		}
	}
	return polygons
}
