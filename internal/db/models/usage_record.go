package models

// UsageRecord stores one routed request for analytics. Writes are
// fire-and-forget; a failed insert never fails the caller's request.
type UsageRecord struct {
	ID           string `gorm:"primaryKey"` // UUID
	Timestamp    int64  `gorm:"index"`      // unix millis
	UserID       string `gorm:"index"`
	AccountID    string `gorm:"index"`
	Provider     string `gorm:"index"`
	Model        string `gorm:"index"`
	InputTokens  int
	OutputTokens int
	StatusCode   int
	DurationMs   int64
	Error        string
}

// UsageStats holds aggregated counters for the management API.
type UsageStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
}
