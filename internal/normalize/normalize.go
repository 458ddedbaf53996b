// Package normalize converts raw alert payloads from upstream feeds into the
// canonical alert event. Key naming is permissive (feeds disagree on field
// names) but types are strict once a field is mapped, and severity must match
// one of the four canonical levels. An unknown severity is a hard failure
// rather than a fallback level, since the policy engine's correctness depends
// on it.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"saferelay/internal/types"
)

// Cause classifies why a payload could not be normalized.
type Cause string

const (
	CauseMissingField    Cause = "missing_field"
	CauseInvalidType     Cause = "invalid_type"
	CauseInvalidSeverity Cause = "invalid_severity"
	CauseInvalidGeometry Cause = "invalid_geometry"
)

// NormalizationError reports a malformed payload along with the offending
// field. Normalization failures are terminal for the message; they are never
// retried.
type NormalizationError struct {
	Cause Cause
	Field string
	Err   error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize: %s (%s): %v", e.Cause, e.Field, e.Err)
	}
	return fmt.Sprintf("normalize: %s (%s)", e.Cause, e.Field)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func normErr(cause Cause, field string, err error) *NormalizationError {
	return &NormalizationError{Cause: cause, Field: field, Err: err}
}

// Accepted key aliases, in priority order.
var (
	identifierKeys  = []string{"identifier", "id", "eventId", "event_id"}
	sentKeys        = []string{"sent", "sentAt", "sent_at"}
	senderKeys      = []string{"sender", "source"}
	headlineKeys    = []string{"headline", "title"}
	descriptionKeys = []string{"description", "desc"}
	categoryKeys    = []string{"category", "raw_category"}
)

// ToCAE parses a raw JSON payload into a canonical alert event. It is a pure
// function: the same payload always yields the same event or the same
// *NormalizationError, and normalizing a re-serialized canonical event yields
// an equal event.
func ToCAE(raw []byte) (types.CAE, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.CAE{}, normErr(CauseInvalidType, "payload", err)
	}

	identifier, err := requiredString(m, identifierKeys)
	if err != nil {
		return types.CAE{}, err
	}

	sent, err := parseSent(m)
	if err != nil {
		return types.CAE{}, err
	}

	severity, err := parseSeverity(m)
	if err != nil {
		return types.CAE{}, err
	}

	sender, err := optionalString(m, senderKeys)
	if err != nil {
		return types.CAE{}, err
	}
	headline, err := optionalString(m, headlineKeys)
	if err != nil {
		return types.CAE{}, err
	}
	description, err := optionalString(m, descriptionKeys)
	if err != nil {
		return types.CAE{}, err
	}
	urgency, err := optionalString(m, []string{"urgency"})
	if err != nil {
		return types.CAE{}, err
	}
	certainty, err := optionalString(m, []string{"certainty"})
	if err != nil {
		return types.CAE{}, err
	}
	category, err := optionalString(m, categoryKeys)
	if err != nil {
		return types.CAE{}, err
	}

	areas, err := parseAreas(m)
	if err != nil {
		return types.CAE{}, err
	}

	return types.CAE{
		Identifier:  identifier,
		Sender:      sender,
		Sent:        sent,
		Headline:    headline,
		Description: description,
		Severity:    severity,
		Urgency:     urgency,
		Certainty:   certainty,
		RawCategory: category,
		Areas:       areas,
	}, nil
}

func lookup(m map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, k, true
		}
	}
	return nil, keys[0], false
}

func requiredString(m map[string]any, keys []string) (string, *NormalizationError) {
	v, field, ok := lookup(m, keys)
	if !ok {
		return "", normErr(CauseMissingField, keys[0], nil)
	}
	s, ok := v.(string)
	if !ok {
		return "", normErr(CauseInvalidType, field, fmt.Errorf("expected string, got %T", v))
	}
	if s == "" {
		return "", normErr(CauseMissingField, field, nil)
	}
	return s, nil
}

func optionalString(m map[string]any, keys []string) (string, *NormalizationError) {
	v, field, ok := lookup(m, keys)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", normErr(CauseInvalidType, field, fmt.Errorf("expected string, got %T", v))
	}
	return s, nil
}

func parseSent(m map[string]any) (time.Time, *NormalizationError) {
	raw, err := requiredString(m, sentKeys)
	if err != nil {
		return time.Time{}, err
	}
	ts, perr := time.Parse(time.RFC3339, raw)
	if perr != nil {
		return time.Time{}, normErr(CauseInvalidType, "sent", perr)
	}
	return ts, nil
}

func parseSeverity(m map[string]any) (types.Severity, *NormalizationError) {
	raw, err := requiredString(m, []string{"severity"})
	if err != nil {
		return "", err
	}
	sev, perr := types.ParseSeverity(strings.ToLower(raw))
	if perr != nil {
		return "", normErr(CauseInvalidSeverity, "severity", perr)
	}
	return sev, nil
}

func parseAreas(m map[string]any) ([]types.Area, *NormalizationError) {
	v, ok := m["areas"]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, normErr(CauseInvalidType, "areas", fmt.Errorf("expected array, got %T", v))
	}
	if len(list) == 0 {
		return nil, nil
	}

	out := make([]types.Area, 0, len(list))
	for i, entry := range list {
		am, ok := entry.(map[string]any)
		if !ok {
			return nil, normErr(CauseInvalidType, fmt.Sprintf("areas[%d]", i), fmt.Errorf("expected object, got %T", entry))
		}
		area, err := parseArea(am, i)
		if err != nil {
			return nil, err
		}
		out = append(out, area)
	}
	return out, nil
}

func parseArea(am map[string]any, idx int) (types.Area, *NormalizationError) {
	name, err := optionalString(am, []string{"name", "areaDesc"})
	if err != nil {
		return types.Area{}, err
	}

	gv, ok := am["geometry"]
	if !ok || gv == nil {
		return types.Area{}, normErr(CauseMissingField, fmt.Sprintf("areas[%d].geometry", idx), nil)
	}
	gm, ok := gv.(map[string]any)
	if !ok {
		return types.Area{}, normErr(CauseInvalidType, fmt.Sprintf("areas[%d].geometry", idx), fmt.Errorf("expected object, got %T", gv))
	}

	geom, err := parseGeometry(gm, fmt.Sprintf("areas[%d].geometry", idx))
	if err != nil {
		return types.Area{}, err
	}
	return types.Area{Name: name, Geometry: geom}, nil
}

// parseGeometry accepts either the canonical form ({kind, point|ring} with
// lat/lon objects) or the GeoJSON-style form ({type, coordinates} with
// [lon, lat] pairs) emitted by most upstream feeds.
func parseGeometry(gm map[string]any, field string) (types.Geometry, *NormalizationError) {
	if kind, ok := gm["kind"].(string); ok {
		return parseCanonicalGeometry(gm, kind, field)
	}

	gtype, ok := gm["type"].(string)
	if !ok {
		return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("missing geometry type"))
	}
	coords, ok := gm["coordinates"].([]any)
	if !ok {
		return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("missing coordinates"))
	}

	switch strings.ToLower(gtype) {
	case "point":
		lon, lat, ok := lonLatPair(coords)
		if !ok {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("point coordinates must be [lon, lat]"))
		}
		geom, err := types.NewPointGeometry(lat, lon)
		if err != nil {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, err)
		}
		return geom, nil

	case "polygon":
		ring, ok := firstRing(coords)
		if !ok {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("polygon coordinates must be a ring of [lon, lat] pairs"))
		}
		vertices := make([]types.LatLon, 0, len(ring))
		for _, pv := range ring {
			pair, ok := pv.([]any)
			if !ok {
				return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("polygon vertex must be [lon, lat]"))
			}
			lon, lat, ok := lonLatPair(pair)
			if !ok {
				return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("polygon vertex must be [lon, lat]"))
			}
			vertices = append(vertices, types.LatLon{Lat: lat, Lon: lon})
		}
		geom, err := types.NewPolygonGeometry(vertices)
		if err != nil {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, err)
		}
		return geom, nil

	default:
		return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("unsupported geometry type %q", gtype))
	}
}

func parseCanonicalGeometry(gm map[string]any, kind, field string) (types.Geometry, *NormalizationError) {
	switch types.GeometryKind(kind) {
	case types.GeometryPoint:
		pm, ok := gm["point"].(map[string]any)
		if !ok {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("missing point"))
		}
		lat, latOK := asFloat(pm["lat"])
		lon, lonOK := asFloat(pm["lon"])
		if !latOK || !lonOK {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("point lat/lon must be numbers"))
		}
		geom, err := types.NewPointGeometry(lat, lon)
		if err != nil {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, err)
		}
		return geom, nil

	case types.GeometryPolygon:
		rv, ok := gm["ring"].([]any)
		if !ok {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("missing ring"))
		}
		vertices := make([]types.LatLon, 0, len(rv))
		for _, pv := range rv {
			pm, ok := pv.(map[string]any)
			if !ok {
				return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("ring vertex must be an object"))
			}
			lat, latOK := asFloat(pm["lat"])
			lon, lonOK := asFloat(pm["lon"])
			if !latOK || !lonOK {
				return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("ring vertex lat/lon must be numbers"))
			}
			vertices = append(vertices, types.LatLon{Lat: lat, Lon: lon})
		}
		geom, err := types.NewPolygonGeometry(vertices)
		if err != nil {
			return types.Geometry{}, normErr(CauseInvalidGeometry, field, err)
		}
		return geom, nil

	default:
		return types.Geometry{}, normErr(CauseInvalidGeometry, field, fmt.Errorf("unsupported geometry kind %q", kind))
	}
}

// firstRing unwraps GeoJSON polygon nesting: coordinates may be a list of
// rings or a single ring of pairs.
func firstRing(coords []any) ([]any, bool) {
	if len(coords) == 0 {
		return nil, false
	}
	first, ok := coords[0].([]any)
	if !ok {
		return nil, false
	}
	if len(first) > 0 {
		if _, nested := first[0].([]any); nested {
			return first, true
		}
	}
	// coords is already a ring of [lon, lat] pairs.
	return coords, true
}

func lonLatPair(pair []any) (lon, lat float64, ok bool) {
	if len(pair) < 2 {
		return 0, 0, false
	}
	lon, lonOK := asFloat(pair[0])
	lat, latOK := asFloat(pair[1])
	return lon, lat, lonOK && latOK
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
