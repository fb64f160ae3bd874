package ranker

import (
	"math"
	"sort"

	"github.com/warp-endpoint-scanner/internal/types"
)

// Rank keeps measured outcomes, orders them by average latency then loss
// rate (endpoint text breaks exact ties) and returns the first topK.
// topK <= 0 returns every measurement.
func Rank(outcomes []types.ProbeOutcome, topK int) []types.Measurement {
	measured := make([]types.Measurement, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Status == types.OutcomeMeasured && o.Measurement != nil {
			measured = append(measured, *o.Measurement)
		}
	}

	Sort(measured)

	if topK > 0 && len(measured) > topK {
		measured = measured[:topK]
	}
	return measured
}

// Sort orders measurements in place
func Sort(ms []types.Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return Less(ms[i], ms[j])
	})
}

func Less(a, b types.Measurement) bool {
	la, lb := latencyKey(a), latencyKey(b)
	if la != lb {
		return la < lb
	}
	if a.LossRatePercent != b.LossRatePercent {
		return a.LossRatePercent < b.LossRatePercent
	}
	return a.Endpoint.String() < b.Endpoint.String()
}

// latencyKey maps a missing latency to +Inf so it sorts last
func latencyKey(m types.Measurement) float64 {
	if m.Successes == 0 || math.IsNaN(m.AvgLatencyMs) || m.AvgLatencyMs < 0 {
		return math.Inf(1)
	}
	return m.AvgLatencyMs
}
