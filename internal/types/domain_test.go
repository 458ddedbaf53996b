package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity_Canonicalizes(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"minor", SeverityMinor},
		{"Moderate", SeverityModerate},
		{"SEVERE", SeveritySevere},
		{"  critical ", SeverityCritical},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseSeverity_UnknownFails(t *testing.T) {
	for _, in := range []string{"", "extreme", "warning", "3"} {
		_, err := ParseSeverity(in)
		assert.Error(t, err, "input %q must not default silently", in)
	}
}

func TestSeverity_RankOrdering(t *testing.T) {
	assert.Less(t, SeverityMinor.Rank(), SeverityModerate.Rank())
	assert.Less(t, SeverityModerate.Rank(), SeveritySevere.Rank())
	assert.Less(t, SeveritySevere.Rank(), SeverityCritical.Rank())
	assert.Equal(t, -1, Severity("bogus").Rank())
}

func TestSeverity_RaiseSaturatesAtCritical(t *testing.T) {
	assert.Equal(t, SeverityModerate, SeverityMinor.Raise())
	assert.Equal(t, SeveritySevere, SeverityModerate.Raise())
	assert.Equal(t, SeverityCritical, SeveritySevere.Raise())
	assert.Equal(t, SeverityCritical, SeverityCritical.Raise())
}

func TestNewPointGeometry_Validation(t *testing.T) {
	g, err := NewPointGeometry(37.5, 127.0)
	require.NoError(t, err)
	assert.Equal(t, GeometryPoint, g.Kind)
	assert.Equal(t, LatLon{Lat: 37.5, Lon: 127.0}, g.Point)

	for _, bad := range []LatLon{
		{Lat: 91, Lon: 0},
		{Lat: -91, Lon: 0},
		{Lat: 0, Lon: 181},
		{Lat: 0, Lon: -181},
	} {
		_, err := NewPointGeometry(bad.Lat, bad.Lon)
		assert.Error(t, err, "coordinates %v must be rejected eagerly", bad)
	}
}

func TestNewPolygonGeometry_ImplicitClosure(t *testing.T) {
	ring := []LatLon{{0, 0}, {0, 1}, {1, 1}}
	g, err := NewPolygonGeometry(ring)
	require.NoError(t, err)
	assert.Equal(t, GeometryPolygon, g.Kind)
	assert.Len(t, g.Ring, 3)

	// A closed ring (first vertex repeated) collapses to the same geometry.
	closed := append(append([]LatLon{}, ring...), ring[0])
	g2, err := NewPolygonGeometry(closed)
	require.NoError(t, err)
	assert.Equal(t, g.Ring, g2.Ring)
}

func TestNewPolygonGeometry_TooFewVertices(t *testing.T) {
	_, err := NewPolygonGeometry([]LatLon{{0, 0}, {1, 1}})
	assert.Error(t, err)

	// Two distinct vertices plus closure is still degenerate.
	_, err = NewPolygonGeometry([]LatLon{{0, 0}, {1, 1}, {0, 0}})
	assert.Error(t, err)
}

func TestCAE_Validate(t *testing.T) {
	sent := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := CAE{Identifier: "A1", Sent: sent, Severity: SeveritySevere}
	require.NoError(t, valid.Validate())

	assert.Error(t, CAE{Sent: sent, Severity: SeveritySevere}.Validate())
	assert.Error(t, CAE{Identifier: "A1", Severity: SeveritySevere}.Validate())
	assert.Error(t, CAE{Identifier: "A1", Sent: sent, Severity: "huge"}.Validate())
}

func TestCAE_FingerprintStability(t *testing.T) {
	sent := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := CAE{Identifier: "A1", Sender: "kma", Sent: sent, Severity: SeveritySevere}
	b := CAE{Identifier: "A1", Sender: "kma", Sent: sent, Severity: SeverityMinor}

	// Fingerprint depends only on (identifier, sent, sender).
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// The same instant in another zone hashes identically.
	kst := time.FixedZone("KST", 9*3600)
	c := a
	c.Sent = sent.In(kst)
	assert.Equal(t, a.Fingerprint(), c.Fingerprint())

	// Any component of the identity triple changing changes the key.
	d := a
	d.Sender = "jma"
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
	e := a
	e.Sent = sent.Add(time.Second)
	assert.NotEqual(t, a.Fingerprint(), e.Fingerprint())
}

func TestAppError_RetryClassification(t *testing.T) {
	transient := NewAppError(ErrCodeTransientBroker, "publish failed", nil)
	assert.True(t, IsRetryable(transient))

	malformed := NewAppError(ErrCodeNormalizationMissingField, "no identifier", nil)
	assert.False(t, IsRetryable(malformed))

	// Untyped errors are assumed transient.
	assert.True(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(nil))
}
