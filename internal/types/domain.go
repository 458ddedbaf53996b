// Package types defines the core domain entities shared across the saferelay
// pipeline: the Canonical Alert Event (CAE), geometry variants, policy
// decisions, and the dedup fingerprint. Entities here are value objects --
// created once per message, validated eagerly, and never mutated after
// construction.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// Severity is the canonical four-level alert severity scale.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// severityRanks orders severities from least to most severe. Policy
// comparisons use these ranks, never string comparison.
var severityRanks = map[Severity]int{
	SeverityMinor:    0,
	SeverityModerate: 1,
	SeveritySevere:   2,
	SeverityCritical: 3,
}

// ParseSeverity canonicalizes a raw severity string. Matching is
// case-insensitive; anything outside the four canonical levels is an error.
// Unknown severities must fail rather than default: downstream policy
// correctness depends on the value being trustworthy.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityRanks[s]; !ok {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Rank returns the ordering position of the severity (minor=0 .. critical=3).
// Unknown severities rank below minor so they can never satisfy a threshold.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether the severity is one of the four canonical levels.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Raise returns the severity one rank above s, saturating at critical.
// Used by night mode to raise the effective policy threshold.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityMinor:
		return SeverityModerate
	case SeverityModerate:
		return SeveritySevere
	default:
		return SeverityCritical
	}
}

// GeometryKind discriminates the closed set of geometry variants.
type GeometryKind string

const (
	GeometryPoint   GeometryKind = "point"
	GeometryPolygon GeometryKind = "polygon"
)

// LatLon is a WGS84 coordinate pair in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether both components are finite and within range.
func (c LatLon) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Geometry is a tagged variant over {Point, Polygon}. Exactly one payload
// field is meaningful, selected by Kind. Construct via NewPointGeometry or
// NewPolygonGeometry so coordinates are validated eagerly; invalid geometry
// must fail at normalization time, never surface later inside policy
// evaluation.
type Geometry struct {
	Kind  GeometryKind `json:"kind"`
	Point LatLon       `json:"point,omitempty"`
	Ring  []LatLon     `json:"ring,omitempty"`
}

// NewPointGeometry validates and constructs a point geometry.
func NewPointGeometry(lat, lon float64) (Geometry, error) {
	p := LatLon{Lat: lat, Lon: lon}
	if !p.Valid() {
		return Geometry{}, fmt.Errorf("invalid point coordinates (%v, %v)", lat, lon)
	}
	return Geometry{Kind: GeometryPoint, Point: p}, nil
}

// NewPolygonGeometry validates and constructs a polygon geometry from an
// ordered vertex ring. The ring is implicitly closed: sources are not
// required to repeat the first vertex, and a trailing duplicate of the first
// vertex is dropped.
func NewPolygonGeometry(vertices []LatLon) (Geometry, error) {
	ring := vertices
	if len(ring) >= 2 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	if len(ring) < 3 {
		return Geometry{}, fmt.Errorf("polygon requires at least 3 distinct vertices, got %d", len(ring))
	}
	for i, v := range ring {
		if !v.Valid() {
			return Geometry{}, fmt.Errorf("invalid polygon vertex %d: (%v, %v)", i, v.Lat, v.Lon)
		}
	}
	out := make([]LatLon, len(ring))
	copy(out, ring)
	return Geometry{Kind: GeometryPolygon, Ring: out}, nil
}

// Area is a named region an alert applies to. Name is optional; Geometry is
// required.
type Area struct {
	Name     string   `json:"name,omitempty"`
	Geometry Geometry `json:"geometry"`
}

// CAE is the Canonical Alert Event: the normalized internal representation
// of a CAP alert. A CAE with zero areas is geography-agnostic.
type CAE struct {
	Identifier  string    `json:"identifier"`
	Sender      string    `json:"sender,omitempty"`
	Sent        time.Time `json:"sent"`
	Headline    string    `json:"headline,omitempty"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity"`
	Urgency     string    `json:"urgency,omitempty"`
	Certainty   string    `json:"certainty,omitempty"`
	RawCategory string    `json:"raw_category,omitempty"`
	Areas       []Area    `json:"areas,omitempty"`
}

// Validate enforces the CAE invariants: non-empty identifier, non-zero sent
// time, and a canonical severity.
func (c CAE) Validate() error {
	if c.Identifier == "" {
		return fmt.Errorf("cae: identifier is required")
	}
	if c.Sent.IsZero() {
		return fmt.Errorf("cae: sent timestamp is required")
	}
	if !c.Severity.Valid() {
		return fmt.Errorf("cae: severity %q is not canonical", c.Severity)
	}
	return nil
}

// Fingerprint derives the stable dedup key for the alert from its identity
// triple (identifier, sent, sender). The sent time is normalized to UTC
// RFC3339 so the same instant always hashes identically regardless of the
// source's timezone offset.
func (c CAE) Fingerprint() string {
	h := sha256.Sum256([]byte(c.Identifier + "|" + c.Sent.UTC().Format(time.RFC3339) + "|" + c.Sender))
	return hex.EncodeToString(h[:])
}

// DecisionReason tags why an alert triggered or was suppressed.
type DecisionReason string

const (
	ReasonOK                 DecisionReason = "ok"
	ReasonBelowThreshold     DecisionReason = "below_severity_threshold"
	ReasonOutsideGeoBuffer   DecisionReason = "outside_geo_buffer"
	ReasonNightModeSuppress  DecisionReason = "night_mode_suppressed"
	ReasonDuplicate          DecisionReason = "duplicate"
)

// Decision is the immutable outcome of policy evaluation for one alert.
// Level always carries the alert's own severity: policy decides trigger or
// suppression but never rewrites the reported severity.
type Decision struct {
	Trigger bool           `json:"trigger"`
	Level   Severity       `json:"level"`
	Reason  DecisionReason `json:"reason"`
}

// ShelterInfo is the nearest-shelter enrichment attached to a dispatch when
// shelter navigation is enabled.
type ShelterInfo struct {
	Name       string  `json:"name"`
	Address    string  `json:"address,omitempty"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	DistanceKm float64 `json:"distance_km"`
	MapURL     string  `json:"map_url,omitempty"`
}

// DispatchUnit is the value handed from the consumer to the publisher and
// TTS tasks once an alert has triggered and passed dedup. Each receiving
// task gets its own copy; nothing here is shared mutable state.
type DispatchUnit struct {
	Alert    CAE          `json:"alert"`
	Decision Decision     `json:"decision"`
	Shelter  *ShelterInfo `json:"shelter,omitempty"`
	TraceID  string       `json:"trace_id"`
}
