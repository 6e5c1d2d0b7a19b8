package runner

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/re3/pkg/model"
)

// receipt prints one console line per consumed result.
type receipt struct {
	w       io.Writer
	total   int
	start   time.Time
	now     func() time.Time
	done    int
	correct int
	errors  int
}

func newReceipt(w io.Writer, total int, now func() time.Time) *receipt {
	return &receipt{w: w, total: total, start: now(), now: now}
}

func (r *receipt) header(sliceID, backend string, maxInFlight int) {
	fmt.Fprintln(r.w, strings.Repeat("=", 70))
	fmt.Fprintf(r.w, "  %s: %s tests on %s (max in flight %d)\n", sliceID, humanize.Comma(int64(r.total)), backend, maxInFlight)
	fmt.Fprintln(r.w, strings.Repeat("=", 70))
}

func (r *receipt) line(rec *model.RunRecord) {
	r.done++
	status := "--"
	switch {
	case rec.Error != "":
		status = "ERR"
		r.errors++
	case rec.Correct:
		status = "ok"
		r.correct++
	}
	elapsed := r.now().Sub(r.start)
	eta := time.Duration(0)
	if r.done > 0 {
		eta = elapsed / time.Duration(r.done) * time.Duration(r.total-r.done)
	}
	acc := float64(r.correct) / float64(r.done) * 100
	fmt.Fprintf(r.w, "  [%4d/%d] %-12s %-3s (%5dms) | acc: %d/%d=%5.1f%% | elapsed: %s, eta: %s\n",
		r.done, r.total, shortItemID(rec.ItemID), status, rec.LatencyMS,
		r.correct, r.done, acc, FormatDuration(elapsed), FormatDuration(eta))
}

func (r *receipt) summary(st model.SliceStats) {
	fmt.Fprintln(r.w, strings.Repeat("=", 70))
	fmt.Fprintf(r.w, "  Total:    %s tests\n", humanize.Comma(int64(st.Total)))
	fmt.Fprintf(r.w, "  Correct:  %d (%.1f%%)\n", st.Correct, st.Accuracy*100)
	fmt.Fprintf(r.w, "  Errors:   %d\n", st.Errors)
	fmt.Fprintf(r.w, "  Duration: %s\n", FormatDuration(r.now().Sub(r.start)))
	fmt.Fprintf(r.w, "  Latency:  mean %dms, p50 %dms, p95 %dms\n", st.MeanLatencyMS, st.P50LatencyMS, st.P95LatencyMS)
	fmt.Fprintln(r.w, strings.Repeat("=", 70))
}

var itemPrefixes = strings.NewReplacer("gsm8k_test_", "g", "gsm8k_", "g", "mmlu_", "m", "hellaswag_", "h", "niah_", "n")

func shortItemID(id string) string {
	s := itemPrefixes.Replace(id)
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

// FormatDuration renders d as 42s, 3m07s or 2h05m.
func FormatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	}
}
