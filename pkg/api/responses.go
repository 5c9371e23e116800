package api

// ReloadResponse represents a successful blocklist reload
type ReloadResponse struct {
	Loaded int `json:"loaded"`
}

// ReloadErrorResponse represents a failed blocklist reload
type ReloadErrorResponse struct {
	Error string `json:"error"`
}

// StatsResponse represents the query counters
type StatsResponse struct {
	Queries uint64 `json:"queries"`
	Blocked uint64 `json:"blocked"`
}

// ListsResponse represents the current blocklist
type ListsResponse struct {
	Count    int            `json:"count"`
	Patterns []string       `json:"patterns"`
	Kinds    map[string]int `json:"kinds"` // exact/suffix/prefix/total

	// LastUpdated is the RFC 3339 time of the last full reload or replace.
	LastUpdated string `json:"last_updated,omitempty"`
}

// AddResponse represents the result of adding a pattern
type AddResponse struct {
	OK    bool   `json:"ok"`
	Added string `json:"added"`
}

// RemoveResponse represents the result of removing a pattern. OK is false
// when the pattern was not present.
type RemoveResponse struct {
	OK bool `json:"ok"`
}

// ModeResponse represents the result of a mode change. Warning is set when
// the mode was applied but block_ip was unusable.
type ModeResponse struct {
	OK      bool   `json:"ok"`
	Mode    string `json:"mode"`
	Warning string `json:"warning,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string        `json:"status"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Patterns  int           `json:"patterns"`
	Mode      string        `json:"mode"`
	Upstream  string        `json:"upstream"`
	Process   ProcessHealth `json:"process"`
	CheckedAt string        `json:"checked_at"` // RFC 3339
}

// ProcessHealth reports resource usage of this process
type ProcessHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss_bytes"`
	MemPercent float64 `json:"mem_percent"`
	Goroutines int     `json:"goroutines"`
}

// ErrorResponse represents a rejected control request
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
