package model

import "time"

// RunRecord is the persisted outcome of one test unit.
type RunRecord struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	SliceID   string `json:"slice_id"`
	ConfigID  string `json:"config"`
	Pattern   string `json:"pattern"`
	Strategy  string `json:"strategy"`
	Benchmark string `json:"benchmark"`
	ItemIndex int    `json:"item_index"`
	ItemID    string `json:"item_id"`

	PromptA string `json:"prompt_a"`
	PromptB string `json:"prompt_b,omitempty"`
	Prompt  string `json:"prompt"`

	Response  string `json:"response"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`

	Expected  string `json:"expected"`
	Extracted string `json:"extracted"`
	Method    string `json:"method"`
	Correct   bool   `json:"correct"`

	Backend   string    `json:"backend"`
	WorkerID  string    `json:"worker_id"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}
