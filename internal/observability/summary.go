package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Summarize gathers the call and push counters from g into a CallSummary.
func Summarize(g prometheus.Gatherer) (CallSummary, error) {
	families, err := g.Gather()
	if err != nil {
		return CallSummary{}, fmt.Errorf("gather metrics: %w", err)
	}

	var s CallSummary
	for _, mf := range families {
		switch mf.GetName() {
		case "botsapp_calls_scheduled_total":
			s.Scheduled = sumCounters(mf, "", "")
		case "botsapp_push_sent_total":
			s.PushSent = sumCounters(mf, "", "")
		case "botsapp_push_failed_total":
			s.PushFailed = sumCounters(mf, "", "")
		case "botsapp_call_transitions_total":
			s.Ringing = sumCounters(mf, "outcome", "ringing")
			s.Accepted = sumCounters(mf, "outcome", "accepted")
			s.Completed = sumCounters(mf, "outcome", "completed")
			s.Missed = sumCounters(mf, "outcome", "missed")
			s.Declined = sumCounters(mf, "outcome", "declined")
			s.Failed = sumCounters(mf, "outcome", "failed")
		}
	}
	return s, nil
}

// sumCounters adds every counter in mf, or only those whose label matches.
func sumCounters(mf *dto.MetricFamily, label, value string) int {
	var total float64
	for _, m := range mf.GetMetric() {
		if label != "" && !hasLabel(m, label, value) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return int(total)
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
