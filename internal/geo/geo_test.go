package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saferelay/internal/types"
)

// Square ring around central Seoul, roughly 2km on a side.
func seoulSquare() []types.LatLon {
	return []types.LatLon{
		{Lat: 37.5565, Lon: 126.9680},
		{Lat: 37.5565, Lon: 126.9880},
		{Lat: 37.5765, Lon: 126.9880},
		{Lat: 37.5765, Lon: 126.9680},
	}
}

func TestHaversine(t *testing.T) {
	t.Run("zero distance for identical points", func(t *testing.T) {
		assert.Zero(t, Haversine(37.5665, 126.9780, 37.5665, 126.9780))
	})

	t.Run("seoul to busan", func(t *testing.T) {
		// Known reference distance, ~325km.
		d := Haversine(37.5665, 126.9780, 35.1796, 129.0756)
		assert.InDelta(t, 325.0, d, 2.0)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := Haversine(37.5665, 126.9780, 35.1796, 129.0756)
		b := Haversine(35.1796, 129.0756, 37.5665, 126.9780)
		assert.Equal(t, a, b)
	})
}

func TestPointInPolygon(t *testing.T) {
	ring := seoulSquare()

	t.Run("center is inside", func(t *testing.T) {
		assert.True(t, PointInPolygon(types.LatLon{Lat: 37.5665, Lon: 126.9780}, ring))
	})

	t.Run("far point is outside", func(t *testing.T) {
		assert.False(t, PointInPolygon(types.LatLon{Lat: 35.1796, Lon: 129.0756}, ring))
	})

	t.Run("point just past an edge is outside", func(t *testing.T) {
		assert.False(t, PointInPolygon(types.LatLon{Lat: 37.5865, Lon: 126.9780}, ring))
	})

	t.Run("degenerate ring never contains", func(t *testing.T) {
		assert.False(t, PointInPolygon(types.LatLon{Lat: 37.5665, Lon: 126.9780}, ring[:2]))
	})
}

func TestDistanceToSegmentKm(t *testing.T) {
	a := types.LatLon{Lat: 37.5565, Lon: 126.9680}
	b := types.LatLon{Lat: 37.5565, Lon: 126.9880}

	t.Run("point on the segment", func(t *testing.T) {
		assert.InDelta(t, 0, DistanceToSegmentKm(types.LatLon{Lat: 37.5565, Lon: 126.9780}, a, b), 1e-9)
	})

	t.Run("perpendicular offset", func(t *testing.T) {
		// 0.01 degrees of latitude is ~1.112km.
		d := DistanceToSegmentKm(types.LatLon{Lat: 37.5465, Lon: 126.9780}, a, b)
		assert.InDelta(t, 1.112, d, 0.01)
	})

	t.Run("beyond an endpoint clamps to the endpoint", func(t *testing.T) {
		p := types.LatLon{Lat: 37.5565, Lon: 126.9580}
		d := DistanceToSegmentKm(p, a, b)
		want := Haversine(p.Lat, p.Lon, a.Lat, a.Lon)
		assert.InDelta(t, want, d, want*0.01)
	})

	t.Run("degenerate segment is point distance", func(t *testing.T) {
		p := types.LatLon{Lat: 37.5465, Lon: 126.9680}
		d := DistanceToSegmentKm(p, a, a)
		assert.InDelta(t, 1.112, d, 0.01)
	})
}

func TestPolygonWithinBuffer(t *testing.T) {
	ring := seoulSquare()
	outside := types.LatLon{Lat: 37.5465, Lon: 126.9780} // ~1.11km south of the bottom edge

	t.Run("inside regardless of buffer", func(t *testing.T) {
		assert.True(t, PolygonWithinBuffer(types.LatLon{Lat: 37.5665, Lon: 126.9780}, ring, 0))
	})

	t.Run("outside with zero buffer", func(t *testing.T) {
		assert.False(t, PolygonWithinBuffer(outside, ring, 0))
	})

	t.Run("inclusive at exactly the buffer distance", func(t *testing.T) {
		d := DistanceToSegmentKm(outside, ring[0], ring[1])
		require.Greater(t, d, 0.0)
		assert.True(t, PolygonWithinBuffer(outside, ring, d))
		assert.False(t, PolygonWithinBuffer(outside, ring, d*0.99))
	})

	t.Run("generous buffer reaches distant points", func(t *testing.T) {
		assert.True(t, PolygonWithinBuffer(outside, ring, 5.0))
	})

	t.Run("degenerate ring is never matched", func(t *testing.T) {
		assert.False(t, PolygonWithinBuffer(outside, ring[:2], 100))
	})
}
