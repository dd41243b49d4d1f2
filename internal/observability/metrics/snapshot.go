package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// QuoteStats summarises quote probe outcomes for the ops endpoint.
type QuoteStats struct {
	Outcomes map[string]float64 `json:"outcomes"`
	Total    float64            `json:"total"`
}

// SnapshotQuoteStats reads the quote counter back out of a gatherer.
func SnapshotQuoteStats(gatherer prometheus.Gatherer) QuoteStats {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	stats := QuoteStats{Outcomes: map[string]float64{}}
	families, err := gatherer.Gather()
	if err != nil {
		return stats
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == quoteRequestsFamily {
			family = f
			break
		}
	}
	if family == nil {
		return stats
	}

	for _, metric := range family.GetMetric() {
		outcome := labelValue(metric, "outcome")
		if outcome == "" || metric.GetCounter() == nil {
			continue
		}
		v := metric.GetCounter().GetValue()
		stats.Outcomes[outcome] += v
		stats.Total += v
	}
	return stats
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
