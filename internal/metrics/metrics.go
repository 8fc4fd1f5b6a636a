// Package metrics はPrometheus計測を提供します。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics はスケジューラーと受付判定のカウンター群です。
type Metrics struct {
	JobsCreated       prometheus.Counter
	AdmissionRejected *prometheus.CounterVec
	Claims            prometheus.Counter
	ClaimsEmpty       prometheus.Counter
	StaleReclaims     prometheus.Counter
	Heartbeats        prometheus.Counter
	JobsSucceeded     prometheus.Counter
	JobsFailed        *prometheus.CounterVec
}

// New は既定のレジストリにカウンターを登録して Metrics を作成します。
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith は指定レジストリにカウンターを登録して Metrics を作成します。
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_jobs_created_total",
			Help: "Number of jobs admitted and enqueued.",
		}),
		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmill_admission_rejected_total",
			Help: "Number of job creation requests rejected by admission control.",
		}, []string{"code"}),
		Claims: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_claims_total",
			Help: "Number of successful job claims.",
		}),
		ClaimsEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_claims_empty_total",
			Help: "Number of claim calls that found no work.",
		}),
		StaleReclaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_stale_reclaims_total",
			Help: "Number of claims that recovered an expired lease.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_heartbeats_total",
			Help: "Number of accepted progress heartbeats.",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "docmill_jobs_succeeded_total",
			Help: "Number of jobs completed successfully.",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docmill_jobs_failed_total",
			Help: "Number of jobs that finished in failure.",
		}, []string{"code"}),
	}
}
