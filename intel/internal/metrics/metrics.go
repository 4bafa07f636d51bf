package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netintel_build_info",
		Help: "Build information of the network intelligence pipeline",
	}, []string{"component", "version", "commit", "date"})

	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_stage_runs_total", Help: "Stage runs by outcome.",
	}, []string{"stage", "result"})
	StageRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netintel_stage_run_duration_seconds",
		Help:    "Duration of stage runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
	StageUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_stage_units_total", Help: "Units of work processed per stage by outcome.",
	}, []string{"stage", "result"})

	TelemetryRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_telemetry_rejected_total", Help: "Telemetry payloads rejected by validation.",
	}, []string{"field"})
	BaselinesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netintel_baselines_published_total", Help: "Cohort baseline versions published.",
	})
	BaselinesWithheld = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_baselines_withheld_total", Help: "Cohort baselines withheld.",
	}, []string{"reason"})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_anomalies_detected_total", Help: "Anomaly signals emitted.",
	}, []string{"kind", "severity"})
	PatternsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netintel_patterns_published_total", Help: "Pattern signature versions published.",
	})
	PatternsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netintel_patterns_rejected_total", Help: "Candidate patterns dropped for low support.",
	})
	WarningsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_warnings_matched_total", Help: "Early warnings created or refreshed.",
	}, []string{"result"})

	GovernanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_governance_events_total", Help: "Governance events appended.",
	}, []string{"event_type"})
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netintel_audit_write_failures_total", Help: "Governance changes rejected because the audit write failed.",
	})
	FlagCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_flag_cache_lookups_total", Help: "Feature flag cache lookups.",
	}, []string{"result"})

	NarrativeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_narrative_requests_total", Help: "AI narrative requests by outcome.",
	}, []string{"result"})
	ReviewItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_review_items_total", Help: "Units flagged for operator review.",
	}, []string{"stage"})
	SourceRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_source_records_total", Help: "Telemetry records read from the source.",
	}, []string{"result"})
	ExportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_export_rows_total", Help: "Rows mirrored to the analytics store.",
	}, []string{"table", "result"})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netintel_api_requests_total", Help: "API requests by route and status.",
	}, []string{"route", "status"})
)
