// Package rule defines automation rules and the registry that matches them
// against discovered targets.
package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/recfleet/internal/matchexpr"
	"github.com/loykin/recfleet/internal/store"
)

// ValidationError reports a rejected rule or credential field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

var (
	nameRe      = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	specifierRe = regexp.MustCompile(`^template=([\w.$-]+)(?:,type=(\w+))?$`)
)

// Rule binds a match expression to an automated recording/archival action.
// Knobs <= 0 mean "unbounded/disabled"; periodic archiving only happens when
// both ArchivalPeriodSeconds and PreservedArchives are positive. An Archiver
// rule performs a one-shot snapshot-and-archive on activation instead of
// starting a continuous recording.
type Rule struct {
	Name                  string `json:"name" mapstructure:"name"`
	Description           string `json:"description,omitempty" mapstructure:"description"`
	MatchExpression       string `json:"matchExpression" mapstructure:"match_expression"`
	EventSpecifier        string `json:"eventSpecifier" mapstructure:"event_specifier"`
	MaxAgeSeconds         int    `json:"maxAgeSeconds" mapstructure:"max_age_seconds"`
	MaxSizeBytes          int64  `json:"maxSizeBytes" mapstructure:"max_size_bytes"`
	ArchivalPeriodSeconds int    `json:"archivalPeriodSeconds" mapstructure:"archival_period_seconds"`
	PreservedArchives     int    `json:"preservedArchives" mapstructure:"preserved_archives"`
	Archiver              bool   `json:"isArchiver" mapstructure:"archiver"`
}

// RecordingName is the name of the target recording this rule drives.
func (r Rule) RecordingName() string { return "auto_" + r.Name }

// ArchivalEnabled reports whether the rule ever schedules periodic
// archiving.
func (r Rule) ArchivalEnabled() bool {
	return !r.Archiver && r.ArchivalPeriodSeconds > 0 && r.PreservedArchives > 0
}

// EventTemplate parses the event specifier into template name and type.
// Type is empty when unspecified.
func (r Rule) EventTemplate() (name, templateType string, err error) {
	m := specifierRe.FindStringSubmatch(r.EventSpecifier)
	if m == nil {
		return "", "", &ValidationError{Field: "eventSpecifier",
			Msg: fmt.Sprintf("%q does not match template=NAME[,type=TYPE]", r.EventSpecifier)}
	}
	return m[1], m[2], nil
}

// Sanitize normalizes the rule name so it is usable as a recording name:
// whitespace runs collapse to single underscores.
func (r *Rule) Sanitize() {
	r.Name = strings.Join(strings.Fields(strings.TrimSpace(r.Name)), "_")
}

// Validate checks rule fields and compiles the match expression, returning
// the compiled form for reuse.
func (r Rule) Validate() (*matchexpr.Expression, error) {
	if r.Name == "" {
		return nil, &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if !nameRe.MatchString(r.Name) {
		return nil, &ValidationError{Field: "name", Msg: fmt.Sprintf("%q contains invalid characters", r.Name)}
	}
	if _, _, err := r.EventTemplate(); err != nil {
		return nil, err
	}
	expr, err := matchexpr.Compile(r.MatchExpression)
	if err != nil {
		return nil, &ValidationError{Field: "matchExpression", Msg: err.Error()}
	}
	return expr, nil
}

func toRecord(r Rule) store.RuleRecord {
	return store.RuleRecord{
		Name:                  r.Name,
		Description:           r.Description,
		MatchExpression:       r.MatchExpression,
		EventSpecifier:        r.EventSpecifier,
		MaxAgeSeconds:         r.MaxAgeSeconds,
		MaxSizeBytes:          r.MaxSizeBytes,
		ArchivalPeriodSeconds: r.ArchivalPeriodSeconds,
		PreservedArchives:     r.PreservedArchives,
		Archiver:              r.Archiver,
	}
}

func fromRecord(rec store.RuleRecord) Rule {
	return Rule{
		Name:                  rec.Name,
		Description:           rec.Description,
		MatchExpression:       rec.MatchExpression,
		EventSpecifier:        rec.EventSpecifier,
		MaxAgeSeconds:         rec.MaxAgeSeconds,
		MaxSizeBytes:          rec.MaxSizeBytes,
		ArchivalPeriodSeconds: rec.ArchivalPeriodSeconds,
		PreservedArchives:     rec.PreservedArchives,
		Archiver:              rec.Archiver,
	}
}
