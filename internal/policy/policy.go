// Package policy decides whether a normalized alert should trigger local
// dispatch. The decision combines a severity threshold with a geographic
// check against the configured home location, with an optional night window
// that raises the effective threshold by one level.
package policy

import (
	"fmt"
	"time"

	"saferelay/internal/geo"
	"saferelay/internal/types"
)

// Mode selects how the severity and geography checks combine.
type Mode string

const (
	// ModeAND triggers only when both checks pass.
	ModeAND Mode = "AND"
	// ModeOR triggers when either check passes.
	ModeOR Mode = "OR"
)

// NightWindow suppresses marginal alerts during a daily wall-clock window.
// While the window is active the effective severity threshold is raised by
// one level; critical alerts always pass. Overnight windows (start > end,
// e.g. 22:00-07:00) are supported.
type NightWindow struct {
	Enabled  bool
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string // IANA name, e.g. "Asia/Seoul"
}

// Config holds the evaluation parameters. It is immutable after engine
// construction.
type Config struct {
	Threshold      types.Severity
	Mode           Mode
	Home           types.LatLon
	RadiusBufferKm float64
	Night          NightWindow

	// GeoDisabled skips the geographic check entirely, as if every alert
	// intersected the home buffer. Set when no home location is available.
	GeoDisabled bool
}

// Engine evaluates alerts against a fixed Config. Evaluate is a pure
// function of the alert, the config, and the clock reading, so a single
// engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	clock  types.Clock
	logger types.Logger

	nightStart timeOfDay
	nightEnd   timeOfDay
	nightLoc   *time.Location
}

// NewEngine validates the config and returns a ready engine. The night
// window's times and timezone are parsed once here so Evaluate cannot fail.
func NewEngine(cfg Config, clock types.Clock, logger types.Logger) (*Engine, error) {
	if !cfg.Threshold.Valid() {
		return nil, fmt.Errorf("invalid severity threshold %q", cfg.Threshold)
	}
	switch cfg.Mode {
	case ModeAND, ModeOR:
	case "":
		cfg.Mode = ModeAND
	default:
		return nil, fmt.Errorf("invalid policy mode %q", cfg.Mode)
	}
	if !cfg.GeoDisabled && !cfg.Home.Valid() {
		return nil, fmt.Errorf("invalid home coordinates %+v", cfg.Home)
	}
	if cfg.RadiusBufferKm < 0 {
		return nil, fmt.Errorf("radius buffer must be >= 0, got %v", cfg.RadiusBufferKm)
	}

	e := &Engine{cfg: cfg, clock: clock, logger: logger}

	if cfg.Night.Enabled {
		start, err := parseTimeOfDay(cfg.Night.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid night window start: %w", err)
		}
		end, err := parseTimeOfDay(cfg.Night.End)
		if err != nil {
			return nil, fmt.Errorf("invalid night window end: %w", err)
		}
		loc, err := time.LoadLocation(cfg.Night.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid night window timezone %q: %w", cfg.Night.Timezone, err)
		}
		e.nightStart, e.nightEnd, e.nightLoc = start, end, loc
	}

	return e, nil
}

// Evaluate returns the dispatch decision for the alert. Level always carries
// the alert's own severity so downstream consumers can announce it; Trigger
// and Reason carry the verdict.
func (e *Engine) Evaluate(cae types.CAE) types.Decision {
	night := e.nightActive(e.clock.Now())

	threshold := e.cfg.Threshold
	if night {
		threshold = threshold.Raise()
	}

	baseSevOK := cae.Severity.Rank() >= e.cfg.Threshold.Rank()
	sevOK := cae.Severity.Rank() >= threshold.Rank()
	geoOK := e.geoPass(cae)

	trigger := combine(e.cfg.Mode, sevOK, geoOK)

	decision := types.Decision{
		Trigger: trigger,
		Level:   cae.Severity,
		Reason:  types.ReasonOK,
	}

	if !trigger {
		switch {
		case night && combine(e.cfg.Mode, baseSevOK, geoOK):
			// Would have triggered outside the night window.
			decision.Reason = types.ReasonNightModeSuppress
		case !baseSevOK:
			decision.Reason = types.ReasonBelowThreshold
		default:
			decision.Reason = types.ReasonOutsideGeoBuffer
		}
	}

	e.logger.Info("policy evaluated",
		"identifier", cae.Identifier,
		"severity", string(cae.Severity),
		"trigger", decision.Trigger,
		"reason", string(decision.Reason),
		"night", night,
	)
	return decision
}

func combine(mode Mode, sevOK, geoOK bool) bool {
	if mode == ModeOR {
		return sevOK || geoOK
	}
	return sevOK && geoOK
}

// geoPass reports whether the alert's geography intersects the home buffer.
// An alert with no areas carries no geographic constraint and passes.
func (e *Engine) geoPass(cae types.CAE) bool {
	if e.cfg.GeoDisabled || len(cae.Areas) == 0 {
		return true
	}
	for _, area := range cae.Areas {
		if e.areaMatches(area) {
			return true
		}
	}
	return false
}

func (e *Engine) areaMatches(area types.Area) bool {
	switch area.Geometry.Kind {
	case types.GeometryPoint:
		pt := area.Geometry.Point
		d := geo.Haversine(e.cfg.Home.Lat, e.cfg.Home.Lon, pt.Lat, pt.Lon)
		return d <= e.cfg.RadiusBufferKm
	case types.GeometryPolygon:
		return geo.PolygonWithinBuffer(e.cfg.Home, area.Geometry.Ring, e.cfg.RadiusBufferKm)
	default:
		return false
	}
}

func (e *Engine) nightActive(now time.Time) bool {
	if !e.cfg.Night.Enabled {
		return false
	}
	return isInWindow(now.In(e.nightLoc), e.nightStart, e.nightEnd)
}

// timeOfDay is a wall-clock time with hour and minute components.
type timeOfDay struct {
	hour   int
	minute int
}

func (t timeOfDay) toMinutes() int {
	return t.hour*60 + t.minute
}

// parseTimeOfDay parses a "HH:MM" string into a timeOfDay.
func parseTimeOfDay(s string) (timeOfDay, error) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("time out of range: %q", s)
	}
	return timeOfDay{hour: h, minute: m}, nil
}

// isInWindow checks whether now falls inside the [start, end) wall-clock
// window. Handles overnight windows (e.g. 22:00-07:00).
func isInWindow(now time.Time, start, end timeOfDay) bool {
	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := start.toMinutes()
	endMinutes := end.toMinutes()

	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}
