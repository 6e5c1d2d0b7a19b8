package runner

import (
	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/me/re3/pkg/model"
)

// latency histogram bounds in milliseconds
const (
	minTrackableMS = 1
	maxTrackableMS = 60 * 60 * 1000
	sigFigs        = 3
)

// ComputeStats summarises a batch's records.
func ComputeStats(recs []*model.RunRecord) model.SliceStats {
	st := model.SliceStats{Total: len(recs)}
	if len(recs) == 0 {
		return st
	}
	h := hdrhistogram.New(minTrackableMS, maxTrackableMS, sigFigs)
	var sum int64
	for _, r := range recs {
		if r.Correct {
			st.Correct++
		}
		if r.Error != "" {
			st.Errors++
		}
		sum += r.LatencyMS
		h.RecordValue(min(max(r.LatencyMS, minTrackableMS), maxTrackableMS))
	}
	st.Accuracy = float64(st.Correct) / float64(st.Total)
	st.MeanLatencyMS = sum / int64(st.Total)
	st.P50LatencyMS = h.ValueAtQuantile(50)
	st.P95LatencyMS = h.ValueAtQuantile(95)
	return st
}
