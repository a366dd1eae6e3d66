// Package metrics collects per-run export counters and writes them in the
// node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Napageneral/msgarchive/internal/conversation"
	"github.com/Napageneral/msgarchive/internal/render"
	"github.com/Napageneral/msgarchive/internal/source"
)

// Metrics holds the counters of one export run on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	RowsSkipped       *prometheus.CounterVec
	Messages          prometheus.Counter
	Reactions         *prometheus.CounterVec
	Unattributed      prometheus.Counter
	Chats             *prometheus.CounterVec
	Attachments       *prometheus.CounterVec
	ContactsLoaded    prometheus.Gauge
	HandlesResolved   prometheus.Gauge
	RunDuration       prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
	LastRunSuccessful prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RowsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_rows_skipped_total",
			Help: "Malformed store rows skipped, by row kind",
		}, []string{"kind"}),
		Messages: f.NewCounter(prometheus.CounterOpts{
			Name: "msgarchive_messages_assembled_total",
			Help: "Messages assembled into chats",
		}),
		Reactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_reactions_total",
			Help: "Reactions by outcome (attached, removed, dropped)",
		}, []string{"outcome"}),
		Unattributed: f.NewCounter(prometheus.CounterOpts{
			Name: "msgarchive_unattributed_messages_total",
			Help: "Messages the store records without a sender",
		}),
		Chats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_chats_total",
			Help: "Chats by status (selected, rendered, failed)",
		}, []string{"status"}),
		Attachments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_attachments_total",
			Help: "Attachments by status (copied, missing)",
		}, []string{"status"}),
		ContactsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_contacts_loaded",
			Help: "Contacts returned by the provider",
		}),
		HandlesResolved: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_handles_resolved",
			Help: "Handles matched to a contact name",
		}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_run_duration_seconds",
			Help: "Wall time of the last export",
		}),
		LastRunTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_last_run_timestamp_seconds",
			Help: "Unix time the last export finished",
		}),
		LastRunSuccessful: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_last_run_success",
			Help: "1 if the last export wrote every chat",
		}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveSource records skipped-row counters.
func (m *Metrics) ObserveSource(st source.Stats) {
	m.RowsSkipped.WithLabelValues("message").Add(float64(st.SkippedMessages))
	m.RowsSkipped.WithLabelValues("reaction").Add(float64(st.SkippedReactions))
	m.RowsSkipped.WithLabelValues("attachment").Add(float64(st.SkippedAttachments))
	m.RowsSkipped.WithLabelValues("handle").Add(float64(st.SkippedHandles))
}

// ObserveAssembly records what the assembler produced.
func (m *Metrics) ObserveAssembly(rep conversation.Report) {
	m.Messages.Add(float64(rep.Messages))
	m.Unattributed.Add(float64(rep.Unattributed))
	m.Reactions.WithLabelValues("attached").Add(float64(rep.ReactionsAttached))
	m.Reactions.WithLabelValues("removed").Add(float64(rep.ReactionsRemoved))
	m.Reactions.WithLabelValues("dropped").Add(float64(rep.ReactionsDropped))
	m.Chats.WithLabelValues("selected").Add(float64(rep.ChatsSelected))
}

// ObserveRender records render outcomes.
func (m *Metrics) ObserveRender(res render.Result) {
	m.Chats.WithLabelValues("rendered").Add(float64(len(res.Written)))
	m.Chats.WithLabelValues("failed").Add(float64(len(res.Failed)))
	m.Attachments.WithLabelValues("copied").Add(float64(res.AttachmentsCopied))
	m.Attachments.WithLabelValues("missing").Add(float64(res.AttachmentsMissing))
}

// Finish stamps the run duration and outcome.
func (m *Metrics) Finish(started, finished time.Time, ok bool) {
	m.RunDuration.Set(finished.Sub(started).Seconds())
	m.LastRunTimestamp.Set(float64(finished.Unix()))
	if ok {
		m.LastRunSuccessful.Set(1)
	} else {
		m.LastRunSuccessful.Set(0)
	}
}

// WriteFile writes all metrics to path in textfile-collector format.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
