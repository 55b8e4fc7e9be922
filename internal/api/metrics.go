package api

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/kalambet/fieldsync/internal/coordinator"
)

func handleMetrics(s Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		w.Header().Set("Content-Type", string(format))

		enc := expfmt.NewEncoder(w, format)
		for _, mf := range metricFamilies(s.Snapshot()) {
			if err := enc.Encode(mf); err != nil {
				return
			}
		}
	}
}

func metricFamilies(snap coordinator.Snapshot) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		counter("fieldsync_captured_total", "Captures accepted into the queue.", float64(snap.TotalCaptured)),
		counter("fieldsync_uploaded_total", "Captures confirmed by the upload endpoint.", float64(snap.TotalUploaded)),
		counter("fieldsync_runs_total", "Completed processing runs.", float64(snap.Runs)),
		counter("fieldsync_dropped_triggers_total", "Triggers dropped because a run was in flight.", float64(snap.DroppedTriggers)),
		gauge("fieldsync_queue_pending", "Entries waiting for delivery.", float64(snap.Pending)),
		gauge("fieldsync_queue_entries", "Entries stored in the queue, including uploaded ones awaiting purge.", float64(snap.Queued)),
		gauge("fieldsync_connected", "1 when the upload endpoint is believed reachable.", boolGauge(snap.Connected)),
		gauge("fieldsync_run_in_progress", "1 while a processing run is in flight.", boolGauge(snap.Running)),
		gauge("fieldsync_last_run_uploaded", "Entries uploaded by the most recent run.", float64(snap.LastRunUploaded)),
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(v)}},
		},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
