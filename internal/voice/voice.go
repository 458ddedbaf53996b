// Package voice renders triggered alerts into plain-text announcements for
// the TTS adapter. A generic placeholder template API covers custom message
// formats; SpokenMessage wraps it with per-language defaults and the
// per-severity volume table.
package voice

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"saferelay/internal/types"
)

// TemplateError reports a placeholder with no corresponding alert field.
// Resolved-but-empty optional fields are not errors; they substitute "".
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("voice: no field for placeholder {%s}", e.Placeholder)
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

// Render substitutes {placeholder} tokens in template from the alert and
// decision. Supported placeholders: headline, description, level, severity,
// identifier, sent, area, reason. Control characters are stripped from the
// output so the TTS adapter always receives speakable text.
func Render(cae types.CAE, decision types.Decision, template string) (string, error) {
	fields := map[string]string{
		"headline":    cae.Headline,
		"description": cae.Description,
		"level":       string(decision.Level),
		"severity":    string(cae.Severity),
		"identifier":  cae.Identifier,
		"sent":        sentText(cae),
		"area":        areaText(cae),
		"reason":      string(decision.Reason),
	}

	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[1 : len(token)-1]
		value, ok := fields[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return token
		}
		return value
	})
	if missing != "" {
		return "", &TemplateError{Placeholder: missing}
	}

	return sanitize(out), nil
}

func sentText(cae types.CAE) string {
	if cae.Sent.IsZero() {
		return ""
	}
	return cae.Sent.Format("15:04")
}

func areaText(cae types.CAE) string {
	for _, area := range cae.Areas {
		if area.Name != "" {
			return area.Name
		}
	}
	return ""
}

// sanitize replaces control characters with spaces and collapses runs of
// whitespace.
func sanitize(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(cleaned), " ")
}

// severityVolumes maps severity to playback volume. Louder for worse.
var severityVolumes = map[types.Severity]float64{
	types.SeverityMinor:    0.6,
	types.SeverityModerate: 0.7,
	types.SeveritySevere:   0.8,
	types.SeverityCritical: 0.9,
}

// VolumeFor returns the playback volume for a severity, defaulting to the
// moderate level for anything unrecognized.
func VolumeFor(sev types.Severity) float64 {
	if v, ok := severityVolumes[sev]; ok {
		return v
	}
	return 0.7
}

// koreanSeverityNames gives the spoken severity words for Korean output.
var koreanSeverityNames = map[types.Severity]string{
	types.SeverityMinor:    "경미",
	types.SeverityModerate: "보통",
	types.SeveritySevere:   "심각",
	types.SeverityCritical: "매우 심각",
}

var languageVoices = map[string]string{
	"ko": "ko-KR",
	"en": "en-US",
	"ja": "ja-JP",
}

// Config controls SpokenMessage output.
type Config struct {
	// Language is a BCP-47 tag; the primary subtag picks the phrasing and
	// voice. Unknown languages fall back to Korean, the original
	// deployment locale.
	Language string
	// Template, when non-empty, overrides the built-in phrasing and is
	// rendered with Render.
	Template string
	// IncludeTime appends the issue time to the built-in phrasing.
	IncludeTime bool
}

// Message is the JSON document published to the TTS topic.
type Message struct {
	Message  string  `json:"message"`
	Voice    string  `json:"voice"`
	Volume   float64 `json:"volume"`
	Language string  `json:"language"`
	Severity string  `json:"severity"`
	Priority int     `json:"priority"`
}

// SpokenMessage builds the announcement for a triggered alert.
func SpokenMessage(cae types.CAE, decision types.Decision, cfg Config) (Message, error) {
	lang := cfg.Language
	if lang == "" {
		lang = "ko-KR"
	}
	primary := strings.SplitN(lang, "-", 2)[0]

	var text string
	var err error
	if cfg.Template != "" {
		text, err = Render(cae, decision, cfg.Template)
	} else {
		text, err = Render(cae, decision, builtinTemplate(primary, cae, cfg.IncludeTime))
	}
	if err != nil {
		return Message{}, err
	}

	voice, ok := languageVoices[primary]
	if !ok {
		voice = "ko-KR"
	}

	return Message{
		Message:  text,
		Voice:    voice,
		Volume:   VolumeFor(cae.Severity),
		Language: lang,
		Severity: string(cae.Severity),
		Priority: cae.Severity.Rank() + 1,
	}, nil
}

// builtinTemplate assembles the default phrasing for a language. The
// severity word is inlined here rather than left as a placeholder because
// Korean uses its own severity vocabulary.
func builtinTemplate(primary string, cae types.CAE, includeTime bool) string {
	hasArea := areaText(cae) != ""
	hasTime := includeTime && !cae.Sent.IsZero()

	var b strings.Builder
	switch primary {
	case "en":
		if hasArea {
			b.WriteString("A {severity} level {headline} alert has been issued for the {area} area.")
		} else {
			b.WriteString("A {severity} level {headline} alert has been issued.")
		}
		if hasTime {
			b.WriteString(" Issued at {sent}.")
		}
	case "ja":
		if hasArea {
			b.WriteString("{area}地域に{severity}レベルの{headline}警報が発令されました。")
		} else {
			b.WriteString("{severity}レベルの{headline}警報が発令されました。")
		}
		if hasTime {
			b.WriteString("発令時刻は{sent}です。")
		}
	default:
		name := koreanSeverityNames[cae.Severity]
		if name == "" {
			name = string(cae.Severity)
		}
		if hasArea {
			fmt.Fprintf(&b, "{area} 지역에 %s 수준의 {headline}가 발령되었습니다.", name)
		} else {
			fmt.Fprintf(&b, "%s 수준의 {headline}가 발령되었습니다.", name)
		}
		if hasTime {
			b.WriteString(" 발령 시간은 {sent}입니다.")
		}
	}
	if cae.Description != "" {
		b.WriteString(" {description}")
	}
	return b.String()
}
