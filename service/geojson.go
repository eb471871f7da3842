package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
)

// UnmarshalGeometry decodes a GeoJSON geometry, feature or featureCollection
// into a region geometry, flattening collections into a multipolygon
func UnmarshalGeometry(data []byte) (geom.Geometry, error) {
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("UnmarshalGeometry: %w", err)
	}
	switch geo := g.Geometry.(type) {
	case geojson.FeatureCollection:
		var mp geom.MultiPolygon
		for _, f := range geo.Features {
			appendPolygons(f.Geometry.Geometry, &mp)
		}
		return mp, nil
	case geojson.Feature:
		return flattenCollections(geo.Geometry.Geometry), nil
	default:
		return flattenCollections(g.Geometry), nil
	}
}

// flattenCollections merges a geometryCollection into a multipolygon,
// leaving plain geometries untouched
func flattenCollections(g geom.Geometry) geom.Geometry {
	if c, ok := g.(geom.Collection); ok {
		var mp geom.MultiPolygon
		appendPolygons(c, &mp)
		return mp
	}
	return g
}

func appendPolygons(g geom.Geometry, mp *geom.MultiPolygon) {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			appendPolygons(g, mp)
		}
	}
}

func ToJSON(v interface{}, workingdir, filename string) error {
	if workingdir != "" {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("toJSON.Marshal: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
			return fmt.Errorf("toJSON.WriteFile: %w", err)
		}
	}
	return nil
}
