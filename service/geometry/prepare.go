package geometry

import (
	"context"
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/osmtools/pbf-ingester/service/log"
	"github.com/paulsmith/gogeos/geos"
)

// maxBoundaryPoints is the exterior-ring point limit accepted by the
// extraction service.
const maxBoundaryPoints = 1000

// DefaultTolerances is the ascending ladder of simplification tolerances
// (degrees), finest to coarsest.
var DefaultTolerances = []float64{
	1e-07, 2e-07, 5e-07,
	1e-06, 2e-06, 5e-06,
	1e-05, 2e-05, 5e-05,
	0.0001, 0.0002, 0.0005,
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
}

// PrepareOptions tunes the boundary preparation loop.
type PrepareOptions struct {
	// BufferStepMeters is the initial buffer radius, also added on each retry (default 50)
	BufferStepMeters float64 `yaml:"buffer_step_meters"`
	// MaxAttempts bounds the coverage-retry loop (default 50)
	MaxAttempts int `yaml:"max_attempts"`
	// Tolerances overrides DefaultTolerances
	Tolerances []float64 `yaml:"tolerances"`
}

func (o PrepareOptions) withDefaults() PrepareOptions {
	if o.BufferStepMeters <= 0 {
		o.BufferStepMeters = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 50
	}
	if len(o.Tolerances) == 0 {
		o.Tolerances = DefaultTolerances
	}
	return o
}

// PrepareError is returned when the coverage-retry loop is exhausted.
type PrepareError struct {
	Attempts int
	Last     error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("no covering boundary after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PrepareError) Unwrap() error { return e.Last }

// BufferMeters buffers the geometry by a radius in meters.
// The geometry is projected to a local azimuthal-equidistant projection
// centered on its centroid before the planar buffer is applied, then
// projected back. Multi-part geometries are buffered per part and unioned.
// Incorrect near the antimeridian.
func BufferMeters(g geom.Geometry, meters float64) (geom.Geometry, error) {
	switch g := g.(type) {
	case geom.Polygon:
		return bufferPolygon(g, meters)
	case geom.MultiPolygon:
		geoms := make([]*geos.Geometry, 0, len(g))
		for _, rings := range g.Polygons() {
			part, err := bufferPolygon(geom.Polygon(rings), meters)
			if err != nil {
				return nil, err
			}
			gg, err := GeomToGeos(part)
			if err != nil {
				return nil, fmt.Errorf("BufferMeters.%w", err)
			}
			geoms = append(geoms, gg)
		}
		union, err := UnaryUnion(geoms)
		if err != nil {
			return nil, fmt.Errorf("BufferMeters.%w", err)
		}
		return GeosToGeom(union)
	default:
		return nil, fmt.Errorf("BufferMeters: unsupported geometry type %T", g)
	}
}

func bufferPolygon(p geom.Polygon, meters float64) (geom.Geometry, error) {
	gg, err := GeomToGeos(p)
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.%w", err)
	}
	centroid, err := gg.Centroid()
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.Centroid: %w", err)
	}
	lon, err := centroid.X()
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.X: %w", err)
	}
	lat, err := centroid.Y()
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.Y: %w", err)
	}

	proj := newAEQD(lon, lat)
	projected, err := GeomToGeos(transformPolygon(p, proj.forward))
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.%w", err)
	}
	buffered, err := projected.Buffer(meters)
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.Buffer: %w", err)
	}
	back, err := GeosToGeom(buffered)
	if err != nil {
		return nil, fmt.Errorf("bufferPolygon.%w", err)
	}
	return transformGeometry(back, proj.inverse)
}

// RemoveHoles replaces each polygon with one bounded only by its exterior ring
func RemoveHoles(g geom.Geometry) (geom.Geometry, error) {
	switch g := g.(type) {
	case geom.Polygon:
		if len(g) <= 1 {
			return g, nil
		}
		return geom.Polygon{g.LinearRings()[0]}, nil
	case geom.MultiPolygon:
		geoms := make([]*geos.Geometry, 0, len(g))
		for _, rings := range g.Polygons() {
			closed, err := RemoveHoles(geom.Polygon(rings))
			if err != nil {
				return nil, err
			}
			gg, err := GeomToGeos(closed)
			if err != nil {
				return nil, fmt.Errorf("RemoveHoles.%w", err)
			}
			geoms = append(geoms, gg)
		}
		union, err := UnaryUnion(geoms)
		if err != nil {
			return nil, fmt.Errorf("RemoveHoles.%w", err)
		}
		return GeosToGeom(union)
	default:
		return nil, fmt.Errorf("RemoveHoles: unsupported geometry type %T", g)
	}
}

// Simplify reduces a polygon boundary to fewer than maxBoundaryPoints points,
// walking the tolerance ladder finest to coarsest. Falls back to the convex
// hull, then to the bounding rectangle, when the ladder is not enough.
func Simplify(p geom.Polygon, tolerances []float64) (geom.Polygon, error) {
	gg, err := GeomToGeos(p)
	if err != nil {
		return nil, fmt.Errorf("Simplify.%w", err)
	}

	simplified := gg
	npoints, err := shellNPoint(gg)
	if err != nil {
		return nil, fmt.Errorf("Simplify.%w", err)
	}

	if npoints >= maxBoundaryPoints {
		for _, tolerance := range tolerances {
			candidate, err := gg.SimplifyP(tolerance)
			if err != nil {
				return nil, fmt.Errorf("Simplify.SimplifyP: %w", err)
			}
			// zero-buffer repairs an invalid candidate
			if candidate, err = candidate.Buffer(0); err != nil {
				return nil, fmt.Errorf("Simplify.Buffer: %w", err)
			}
			t, err := candidate.Type()
			if err != nil {
				return nil, fmt.Errorf("Simplify.Type: %w", err)
			}
			if t != geos.POLYGON {
				// the repair split the boundary, try a coarser tolerance
				continue
			}
			if npoints, err = shellNPoint(candidate); err != nil {
				return nil, fmt.Errorf("Simplify.%w", err)
			}
			simplified = candidate
			if npoints < maxBoundaryPoints {
				break
			}
		}
	}

	if npoints > maxBoundaryPoints {
		if simplified, err = gg.ConvexHull(); err != nil {
			return nil, fmt.Errorf("Simplify.ConvexHull: %w", err)
		}
		if npoints, err = shellNPoint(simplified); err != nil {
			return nil, fmt.Errorf("Simplify.%w", err)
		}
	}
	if npoints > maxBoundaryPoints {
		if simplified, err = gg.Envelope(); err != nil {
			return nil, fmt.Errorf("Simplify.Envelope: %w", err)
		}
	}

	result, err := GeosToGeom(simplified)
	if err != nil {
		return nil, fmt.Errorf("Simplify.%w", err)
	}
	polygon, ok := result.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("Simplify: expected a polygon, got %T", result)
	}
	return polygon, nil
}

func shellNPoint(g *geos.Geometry) (int, error) {
	shell, err := g.Shell()
	if err != nil {
		return 0, fmt.Errorf("shellNPoint.Shell: %w", err)
	}
	n, err := shell.NPoint()
	if err != nil {
		return 0, fmt.Errorf("shellNPoint.NPoint: %w", err)
	}
	return n, nil
}

// Prepare turns g into a boundary accepted by the extraction service:
// buffered, hole-free, with fewer than maxBoundaryPoints exterior points,
// and fully covering g. The buffer radius starts at BufferStepMeters and
// grows by the same step until coverage holds or MaxAttempts is reached.
func Prepare(ctx context.Context, g geom.Geometry, opts PrepareOptions) (geom.Geometry, error) {
	opts = opts.withDefaults()

	if mp, ok := g.(geom.MultiPolygon); ok {
		parts := make([]geom.Geometry, 0, len(mp))
		for _, rings := range mp.Polygons() {
			part, err := Prepare(ctx, geom.Polygon(rings), opts)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		union, err := UnionAll(parts)
		if err != nil {
			return nil, fmt.Errorf("Prepare.%w", err)
		}
		return union, nil
	}

	polygon, ok := g.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("Prepare: unsupported geometry type %T", g)
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meters := opts.BufferStepMeters * float64(attempt+1)

		boundary, err := prepareOnce(polygon, meters, opts.Tolerances)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("prepare boundary (buffer %gm): %v", meters, err)
			lastErr = err
			continue
		}
		covered, err := Covers(boundary, polygon)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("prepare boundary (buffer %gm): %v", meters, err)
			lastErr = err
			continue
		}
		if covered {
			return boundary, nil
		}
		lastErr = fmt.Errorf("boundary with %gm buffer does not cover the input", meters)
	}
	return nil, &PrepareError{Attempts: opts.MaxAttempts, Last: lastErr}
}

func prepareOnce(polygon geom.Polygon, meters float64, tolerances []float64) (geom.Geometry, error) {
	buffered, err := BufferMeters(polygon, meters)
	if err != nil {
		return nil, fmt.Errorf("prepareOnce.%w", err)
	}
	bufferedPolygon, ok := buffered.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("prepareOnce: buffer produced %T, expected a polygon", buffered)
	}
	simplified, err := Simplify(bufferedPolygon, tolerances)
	if err != nil {
		return nil, fmt.Errorf("prepareOnce.%w", err)
	}
	closed, err := RemoveHoles(simplified)
	if err != nil {
		return nil, fmt.Errorf("prepareOnce.%w", err)
	}
	return closed, nil
}
