package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saferelay/internal/types"
)

func validPayload() map[string]any {
	return map[string]any{
		"identifier":  "KMA-2026-0042",
		"sender":      "kma.go.kr",
		"sent":        "2026-08-28T02:15:00+09:00",
		"headline":    "Heavy Rain Warning",
		"description": "Over 80mm/h expected in the metro area",
		"severity":    "Severe",
		"urgency":     "Immediate",
		"certainty":   "Observed",
		"category":    "Met",
		"areas": []any{
			map[string]any{
				"name": "Seoul",
				"geometry": map[string]any{
					"type":        "Point",
					"coordinates": []any{126.9780, 37.5665},
				},
			},
		},
	}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestToCAE(t *testing.T) {
	t.Run("maps a full payload", func(t *testing.T) {
		cae, err := ToCAE(marshal(t, validPayload()))
		require.NoError(t, err)

		assert.Equal(t, "KMA-2026-0042", cae.Identifier)
		assert.Equal(t, "kma.go.kr", cae.Sender)
		assert.Equal(t, types.SeveritySevere, cae.Severity)
		assert.Equal(t, "Heavy Rain Warning", cae.Headline)
		assert.Equal(t, "Met", cae.RawCategory)
		require.Len(t, cae.Areas, 1)
		assert.Equal(t, "Seoul", cae.Areas[0].Name)
		assert.Equal(t, types.GeometryPoint, cae.Areas[0].Geometry.Kind)
		assert.InDelta(t, 37.5665, cae.Areas[0].Geometry.Point.Lat, 1e-9)
		assert.InDelta(t, 126.9780, cae.Areas[0].Geometry.Point.Lon, 1e-9)
		assert.Equal(t, "2026-08-28T02:15:00+09:00", cae.Sent.Format("2006-01-02T15:04:05Z07:00"))
	})

	t.Run("accepts key aliases", func(t *testing.T) {
		p := map[string]any{
			"id":       "ALT-1",
			"sent_at":  "2026-08-28T02:15:00Z",
			"title":    "Flood Watch",
			"desc":     "River levels rising",
			"source":   "nws",
			"severity": "moderate",
		}
		cae, err := ToCAE(marshal(t, p))
		require.NoError(t, err)
		assert.Equal(t, "ALT-1", cae.Identifier)
		assert.Equal(t, "Flood Watch", cae.Headline)
		assert.Equal(t, "River levels rising", cae.Description)
		assert.Equal(t, "nws", cae.Sender)
	})

	t.Run("severity is case-insensitive", func(t *testing.T) {
		p := validPayload()
		p["severity"] = "CRITICAL"
		cae, err := ToCAE(marshal(t, p))
		require.NoError(t, err)
		assert.Equal(t, types.SeverityCritical, cae.Severity)
	})

	t.Run("unknown severity fails instead of defaulting", func(t *testing.T) {
		p := validPayload()
		p["severity"] = "extreme"
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidSeverity, nerr.Cause)
	})

	t.Run("missing identifier", func(t *testing.T) {
		p := validPayload()
		delete(p, "identifier")
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseMissingField, nerr.Cause)
		assert.Equal(t, "identifier", nerr.Field)
	})

	t.Run("missing sent", func(t *testing.T) {
		p := validPayload()
		delete(p, "sent")
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseMissingField, nerr.Cause)
	})

	t.Run("malformed timestamp is a type error", func(t *testing.T) {
		p := validPayload()
		p["sent"] = "yesterday"
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidType, nerr.Cause)
		assert.Equal(t, "sent", nerr.Field)
	})

	t.Run("numeric identifier is a type error", func(t *testing.T) {
		p := validPayload()
		p["identifier"] = 42
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidType, nerr.Cause)
	})

	t.Run("non-JSON payload", func(t *testing.T) {
		_, err := ToCAE([]byte("<alert/>"))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidType, nerr.Cause)
	})

	t.Run("zero areas is geography-agnostic", func(t *testing.T) {
		p := validPayload()
		delete(p, "areas")
		cae, err := ToCAE(marshal(t, p))
		require.NoError(t, err)
		assert.Empty(t, cae.Areas)
	})
}

func TestToCAEGeometry(t *testing.T) {
	t.Run("nested polygon rings take the outer ring", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{
			"name": "river basin",
			"geometry": map[string]any{
				"type": "Polygon",
				"coordinates": []any{
					[]any{
						[]any{126.96, 37.55},
						[]any{126.99, 37.55},
						[]any{126.99, 37.58},
						[]any{126.96, 37.58},
					},
				},
			},
		}}
		cae, err := ToCAE(marshal(t, p))
		require.NoError(t, err)
		require.Len(t, cae.Areas, 1)
		geom := cae.Areas[0].Geometry
		assert.Equal(t, types.GeometryPolygon, geom.Kind)
		require.Len(t, geom.Ring, 4)
		assert.InDelta(t, 37.55, geom.Ring[0].Lat, 1e-9)
		assert.InDelta(t, 126.96, geom.Ring[0].Lon, 1e-9)
	})

	t.Run("flat ring of pairs is accepted", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{
			"geometry": map[string]any{
				"type": "Polygon",
				"coordinates": []any{
					[]any{126.96, 37.55},
					[]any{126.99, 37.55},
					[]any{126.99, 37.58},
				},
			},
		}}
		cae, err := ToCAE(marshal(t, p))
		require.NoError(t, err)
		assert.Len(t, cae.Areas[0].Geometry.Ring, 3)
	})

	t.Run("out-of-range point fails", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []any{126.9780, 95.0},
			},
		}}
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidGeometry, nerr.Cause)
	})

	t.Run("two-vertex polygon fails", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{
			"geometry": map[string]any{
				"type": "Polygon",
				"coordinates": []any{
					[]any{126.96, 37.55},
					[]any{126.99, 37.55},
				},
			},
		}}
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidGeometry, nerr.Cause)
	})

	t.Run("missing geometry inside an area", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{"name": "Seoul"}}
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseMissingField, nerr.Cause)
	})

	t.Run("unsupported geometry type", func(t *testing.T) {
		p := validPayload()
		p["areas"] = []any{map[string]any{
			"geometry": map[string]any{
				"type":        "MultiPoint",
				"coordinates": []any{[]any{126.97, 37.56}},
			},
		}}
		_, err := ToCAE(marshal(t, p))
		var nerr *NormalizationError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, CauseInvalidGeometry, nerr.Cause)
	})
}

// Normalizing the serialized canonical form must yield an equal event.
func TestToCAEIdempotent(t *testing.T) {
	first, err := ToCAE(marshal(t, validPayload()))
	require.NoError(t, err)

	second, err := ToCAE(marshal(t, first))
	require.NoError(t, err)

	assert.True(t, first.Sent.Equal(second.Sent))
	first.Sent = first.Sent.UTC()
	second.Sent = second.Sent.UTC()
	assert.Equal(t, first, second)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}
