// Package audit implements the durable call-record sink (C7): a bounded
// channel feeding a single writer goroutine that persists to a monthly-
// rotating SQLite file, grounded on the teacher's sqlite storage adapter.
package audit

// CallRecord is the durable audit row, appended exactly once per inbound
// request regardless of how many retries/failovers it took, per spec.md §3.
type CallRecord struct {
	Timestamp       int64 // unix milliseconds
	RequestID       string
	ClientIP        string
	ModelRequested  string
	ModelServed     string
	Endpoint        string
	PromptDigest    string
	CompletionText  string
	PromptTokens    int
	CompletionTokens int
	TotalTokens     int
	IsMultimodal    bool
	IsToolCall      bool
	LatencyMS       int64
	RetryPath       []string // joined with "," in storage
	FinalStatus     int
}
