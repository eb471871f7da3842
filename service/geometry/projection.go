package geometry

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
)

// WGS84 mean radius
const earthRadiusMeters = 6371008.7714

// aeqd is a spherical azimuthal-equidistant projection centered on
// (lon0, lat0). Distances from the center are true, which is what makes a
// planar buffer by a metric radius correct near the center.
// It is wrong for geometries spanning the antimeridian.
type aeqd struct {
	lon0, sinLat0, cosLat0 float64
}

func newAEQD(lon, lat float64) *aeqd {
	lat0 := lat * math.Pi / 180
	return &aeqd{
		lon0:    lon * math.Pi / 180,
		sinLat0: math.Sin(lat0),
		cosLat0: math.Cos(lat0),
	}
}

// forward projects lon/lat degrees to x/y meters
func (p *aeqd) forward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	dlon := lon*math.Pi/180 - p.lon0
	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)

	cosC := p.sinLat0*sinPhi + p.cosLat0*cosPhi*math.Cos(dlon)
	cosC = math.Max(-1, math.Min(1, cosC))
	c := math.Acos(cosC)
	if c == 0 {
		return 0, 0
	}
	k := c / math.Sin(c)
	x := earthRadiusMeters * k * cosPhi * math.Sin(dlon)
	y := earthRadiusMeters * k * (p.cosLat0*sinPhi - p.sinLat0*cosPhi*math.Cos(dlon))
	return x, y
}

// inverse projects x/y meters back to lon/lat degrees
func (p *aeqd) inverse(x, y float64) (float64, float64) {
	rho := math.Hypot(x, y)
	if rho == 0 {
		return p.lon0 * 180 / math.Pi, math.Asin(p.sinLat0) * 180 / math.Pi
	}
	c := rho / earthRadiusMeters
	sinC, cosC := math.Sin(c), math.Cos(c)

	phi := math.Asin(cosC*p.sinLat0 + y*sinC*p.cosLat0/rho)
	lambda := p.lon0 + math.Atan2(x*sinC, rho*p.cosLat0*cosC-y*p.sinLat0*sinC)
	return lambda * 180 / math.Pi, phi * 180 / math.Pi
}

func transformPolygon(p geom.Polygon, f func(x, y float64) (float64, float64)) geom.Polygon {
	out := make(geom.Polygon, len(p))
	for i, ring := range p {
		r := make([][2]float64, len(ring))
		for j, pt := range ring {
			x, y := f(pt[0], pt[1])
			r[j] = [2]float64{x, y}
		}
		out[i] = r
	}
	return out
}

func transformGeometry(g geom.Geometry, f func(x, y float64) (float64, float64)) (geom.Geometry, error) {
	switch g := g.(type) {
	case geom.Polygon:
		return transformPolygon(g, f), nil
	case geom.MultiPolygon:
		mp := make(geom.MultiPolygon, len(g))
		for i, rings := range g.Polygons() {
			mp[i] = transformPolygon(geom.Polygon(rings), f)
		}
		return mp, nil
	default:
		return nil, fmt.Errorf("transformGeometry: unsupported geometry type %T", g)
	}
}
