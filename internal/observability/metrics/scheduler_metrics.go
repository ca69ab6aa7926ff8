// Package metrics exposes prometheus instrumentation for the billing
// scheduler.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	DunningSuppressedAutomationOff = "automation_disabled"
	DunningSuppressedDailyCap      = "daily_cap"
	DunningSuppressedRoleExcluded  = "role_excluded"
	DunningSuppressedBelowMinimum  = "below_minimum"
	DunningSuppressedLevelDisabled = "level_disabled"
)

// Config carries const labels for the scheduler metrics.
type Config struct {
	ServiceName string
	Environment string
}

// SchedulerMetrics captures dunning scheduler health signals.
type SchedulerMetrics struct {
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobTimeouts         *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	batchProcessed      *prometheus.CounterVec
	runLoopLag          prometheus.Observer
	dunningEscalations  *prometheus.CounterVec
	dunningSuppressed   *prometheus.CounterVec
	dunningCancellation prometheus.Counter
	remindersSent       *prometheus.CounterVec
	creditsReconciled   prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pointsbilling"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "pointsbilling_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency to protect dunning tick freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_scheduler_job_timeouts_total",
		Help:        "Scheduler job soft timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality type.",
		ConstLabels: constLabels,
	}, []string{"job", "error_type"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed to gauge dunning throughput.",
		ConstLabels: constLabels,
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "pointsbilling_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	dunningEscalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_dunning_escalations_total",
		Help:        "Dunning level escalations applied, by target level.",
		ConstLabels: constLabels,
	}, []string{"level"})
	dunningSuppressed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_dunning_suppressed_total",
		Help:        "Dunning sends suppressed by guardrails, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	dunningCancellation := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "pointsbilling_dunning_cancellations_total",
		Help:        "Subscriptions cancelled at the terminal dunning level.",
		ConstLabels: constLabels,
	})
	remindersSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pointsbilling_renewal_reminders_sent_total",
		Help:        "Renewal reminders sent, by window.",
		ConstLabels: constLabels,
	}, []string{"days"})
	creditsReconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "pointsbilling_wallet_credits_reconciled_total",
		Help:        "Wallet credits recovered by the reconciliation sweep.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		dunningEscalations,
		dunningSuppressed,
		dunningCancellation,
		remindersSent,
		creditsReconciled,
	)

	return &SchedulerMetrics{
		jobRuns:             jobRuns,
		jobDuration:         jobDuration,
		jobTimeouts:         jobTimeouts,
		jobErrors:           jobErrors,
		batchProcessed:      batchProcessed,
		runLoopLag:          runLoopLag,
		dunningEscalations:  dunningEscalations,
		dunningSuppressed:   dunningSuppressed,
		dunningCancellation: dunningCancellation,
		remindersSent:       remindersSent,
		creditsReconciled:   creditsReconciled,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerErrorType(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a job by count.
func (m *SchedulerMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || m.batchProcessed == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// IncDunningEscalation counts one applied escalation to the given level.
func (m *SchedulerMetrics) IncDunningEscalation(level int) {
	if m == nil || m.dunningEscalations == nil {
		return
	}
	m.dunningEscalations.WithLabelValues(strconv.Itoa(level)).Inc()
}

// IncDunningSuppressed counts one guardrail suppression.
func (m *SchedulerMetrics) IncDunningSuppressed(reason string) {
	if m == nil || m.dunningSuppressed == nil {
		return
	}
	m.dunningSuppressed.WithLabelValues(reason).Inc()
}

// IncDunningCancellation counts one terminal-level cancellation.
func (m *SchedulerMetrics) IncDunningCancellation() {
	if m == nil || m.dunningCancellation == nil {
		return
	}
	m.dunningCancellation.Inc()
}

// IncReminderSent counts one renewal reminder by window.
func (m *SchedulerMetrics) IncReminderSent(days int) {
	if m == nil || m.remindersSent == nil {
		return
	}
	m.remindersSent.WithLabelValues(strconv.Itoa(days)).Inc()
}

// IncCreditReconciled counts one wallet credit recovered by the sweep.
func (m *SchedulerMetrics) IncCreditReconciled() {
	if m == nil || m.creditsReconciled == nil {
		return
	}
	m.creditsReconciled.Inc()
}

// ClassifySchedulerErrorType returns a low-cardinality error type for metrics
// and logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
