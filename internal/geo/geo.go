// Package geo provides the distance and containment primitives used by the
// geographic policy: great-circle distance, ray-casting point-in-polygon,
// and buffered polygon containment.
//
// Buffered containment is computed in the local tangent plane by measuring
// the distance from the home point to each polygon edge, which is equivalent
// to offsetting every edge outward by the buffer distance. This is an
// approximation, not a geodesic buffer; policy thresholds were tuned against
// it, so the precision must not be silently upgraded.
package geo

import (
	"math"

	"saferelay/internal/types"
)

// earthRadiusKm is the mean Earth radius used for all distance math.
const earthRadiusKm = 6371.0

// kmPerDegLat is the meridional arc length of one degree of latitude.
const kmPerDegLat = math.Pi * earthRadiusKm / 180.0

// Haversine returns the great-circle distance in kilometers between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// PointInPolygon reports whether p lies inside the ring using ray casting
// over the (lon, lat) plane. The ring is treated as implicitly closed.
func PointInPolygon(p types.LatLon, ring []types.LatLon) bool {
	if len(ring) < 3 {
		return false
	}

	x, y := p.Lon, p.Lat
	inside := false
	n := len(ring)

	p1x, p1y := ring[0].Lon, ring[0].Lat
	for i := 1; i <= n; i++ {
		p2x, p2y := ring[i%n].Lon, ring[i%n].Lat
		if y > math.Min(p1y, p2y) && y <= math.Max(p1y, p2y) && x <= math.Max(p1x, p2x) {
			var xinters float64
			if p1y != p2y {
				xinters = (y-p1y)*(p2x-p1x)/(p2y-p1y) + p1x
			}
			if p1x == p2x || x <= xinters {
				inside = !inside
			}
		}
		p1x, p1y = p2x, p2y
	}

	return inside
}

// DistanceToSegmentKm returns the distance in kilometers from p to the
// segment a-b, measured in the local tangent plane centered on p
// (equirectangular projection with longitude scaled by cos of p's latitude).
func DistanceToSegmentKm(p, a, b types.LatLon) float64 {
	kmPerDegLon := kmPerDegLat * math.Cos(p.Lat*math.Pi/180)

	ax := (a.Lon - p.Lon) * kmPerDegLon
	ay := (a.Lat - p.Lat) * kmPerDegLat
	bx := (b.Lon - p.Lon) * kmPerDegLon
	by := (b.Lat - p.Lat) * kmPerDegLat

	dx, dy := bx-ax, by-ay
	segLenSq := dx*dx + dy*dy
	if segLenSq == 0 {
		return math.Hypot(ax, ay)
	}

	// Projection of the origin (p) onto the segment, clamped to [0,1].
	t := -(ax*dx + ay*dy) / segLenSq
	t = math.Max(0, math.Min(1, t))

	cx := ax + t*dx
	cy := ay + t*dy
	return math.Hypot(cx, cy)
}

// PolygonWithinBuffer reports whether p lies inside the ring or within
// bufferKm of any of its edges (inclusive at exactly the buffer distance).
// With a zero buffer this degrades to plain containment.
func PolygonWithinBuffer(p types.LatLon, ring []types.LatLon, bufferKm float64) bool {
	if len(ring) < 3 {
		return false
	}
	if PointInPolygon(p, ring) {
		return true
	}
	if bufferKm <= 0 {
		return false
	}

	n := len(ring)
	for i := 0; i < n; i++ {
		if DistanceToSegmentKm(p, ring[i], ring[(i+1)%n]) <= bufferKm {
			return true
		}
	}
	return false
}
