package client

import "time"

// StartRequest is the body of POST /slots/:slot/start.
type StartRequest struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Envelope is the status/message pair every mutating endpoint returns.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Run describes a launched process.
type Run struct {
	Slot      string    `json:"slot"`
	RunID     string    `json:"run_id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// StartResponse is returned by a successful start.
type StartResponse struct {
	Envelope
	Run Run `json:"run"`
}

// Usage is the sampled resource usage of a live process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// SlotStatus represents the status of a single slot.
type SlotStatus struct {
	Slot      string     `json:"slot"`
	Running   bool       `json:"running"`
	Command   string     `json:"command"`
	StartedAt *time.Time `json:"start_time"`
	PID       int        `json:"pid,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Tail is the result of GET /slots/:slot/tail.
type Tail struct {
	Slot    string   `json:"slot"`
	Lines   []string `json:"lines"`
	Running bool     `json:"running"`
}
