package domain

import (
	"fmt"
	"time"
)

type FlagName string

const (
	FlagTelemetry        FlagName = "telemetry_enabled"
	FlagBenchmarking     FlagName = "benchmarking_enabled"
	FlagAnomalyDetection FlagName = "anomaly_detection_enabled"
	FlagEarlyWarnings    FlagName = "early_warnings_enabled"
	FlagAINarrative      FlagName = "ai_narrative_enabled"
	FlagCohortSharing    FlagName = "cohort_metadata_sharing_enabled"
)

var FlagNames = []FlagName{
	FlagTelemetry,
	FlagBenchmarking,
	FlagAnomalyDetection,
	FlagEarlyWarnings,
	FlagAINarrative,
	FlagCohortSharing,
}

func ParseFlagName(s string) (FlagName, error) {
	for _, f := range FlagNames {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown flag %q", s)
}

// FlagSet is the per-tenant configuration record. Every flag defaults to
// false.
type FlagSet struct {
	TelemetryEnabled             bool `json:"telemetry_enabled"`
	BenchmarkingEnabled          bool `json:"benchmarking_enabled"`
	AnomalyDetectionEnabled      bool `json:"anomaly_detection_enabled"`
	EarlyWarningsEnabled         bool `json:"early_warnings_enabled"`
	AINarrativeEnabled           bool `json:"ai_narrative_enabled"`
	CohortMetadataSharingEnabled bool `json:"cohort_metadata_sharing_enabled"`
}

func (f FlagSet) Get(name FlagName) bool {
	switch name {
	case FlagTelemetry:
		return f.TelemetryEnabled
	case FlagBenchmarking:
		return f.BenchmarkingEnabled
	case FlagAnomalyDetection:
		return f.AnomalyDetectionEnabled
	case FlagEarlyWarnings:
		return f.EarlyWarningsEnabled
	case FlagAINarrative:
		return f.AINarrativeEnabled
	case FlagCohortSharing:
		return f.CohortMetadataSharingEnabled
	}
	return false
}

func (f *FlagSet) Set(name FlagName, v bool) error {
	switch name {
	case FlagTelemetry:
		f.TelemetryEnabled = v
	case FlagBenchmarking:
		f.BenchmarkingEnabled = v
	case FlagAnomalyDetection:
		f.AnomalyDetectionEnabled = v
	case FlagEarlyWarnings:
		f.EarlyWarningsEnabled = v
	case FlagAINarrative:
		f.AINarrativeEnabled = v
	case FlagCohortSharing:
		f.CohortMetadataSharingEnabled = v
	default:
		return fmt.Errorf("unknown flag %q", name)
	}
	return nil
}

// AllFlags returns a FlagSet with every flag enabled.
func AllFlags() FlagSet {
	var f FlagSet
	for _, n := range FlagNames {
		_ = f.Set(n, true)
	}
	return f
}

type FlagChange struct {
	Flag     FlagName
	Value    bool
	Previous bool
}

const (
	EventFlagChanged          = "flag_changed"
	EventWarningStatusChanged = "warning_status_changed"
)

// GovernanceEvent is append-only. Details are sanitized before they reach
// this struct.
type GovernanceEvent struct {
	ID        string
	TenantID  TenantID
	Actor     string
	EventType string
	Context   string
	Details   map[string]any
	CreatedAt time.Time
}

type EventFilter struct {
	EventType string
	Actor     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f EventFilter) Match(e GovernanceEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
