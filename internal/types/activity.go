package types

import (
	"encoding/json"
	"time"
)

// LogStatus is the outcome recorded on an automation log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogInfo    LogStatus = "info"
)

// Automation log actions.
const (
	ActionCSVProcessed      = "csv_processed"
	ActionPostScheduled     = "post_scheduled"
	ActionScrapingStarted   = "scraping_started"
	ActionScrapingError     = "scraping_error"
	ActionScrapingCompleted = "scraping_completed"
	ActionAutomationStarted = "automation_started"
	ActionAutomationStopped = "automation_stopped"
	ActionAutomationFailed  = "automation_start_failed"
	ActionDailyReset        = "daily_reset"
	ActionGenerationFailed  = "generation_failed"
	ActionArchiveFailed     = "archive_failed"
)

// LogEntry is an append-only audit record of automation activity.
type LogEntry struct {
	ID        int64           `json:"id"`
	Action    string          `json:"action"`
	Status    LogStatus       `json:"status"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AutomationStatus is the snapshot exposed to presentation layers.
// Timestamps are ISO-8601 strings or absent.
type AutomationStatus struct {
	IsRunning     bool    `json:"isRunning"`
	LastProcessed *string `json:"lastProcessed"`
	TodayPosts    int     `json:"todayPosts"`
	QueuedPosts   int     `json:"queuedPosts"`
	NextScheduled *string `json:"nextScheduled"`
	LastScraping  *string `json:"lastScraping"`
	NextScraping  *string `json:"nextScraping"`
}

// CollectionTarget names one external source to collect candidate posts from.
type CollectionTarget struct {
	Source   string   `json:"source" toml:"source" validate:"required"`
	Keywords []string `json:"keywords" toml:"keywords"`
	Limit    int      `json:"limit" toml:"limit" validate:"gte=0"`
	// URL is optional; when set the target is scraped from the web page.
	URL string `json:"url,omitempty" toml:"url" validate:"omitempty,url"`
	// Selector picks post elements on the page (defaults to "article").
	Selector string `json:"selector,omitempty" toml:"selector"`
}

// CollectedRecord is a candidate record tagged with where it came from.
type CollectedRecord struct {
	CandidateRecord
	Source      string    `json:"source"`
	CollectedAt time.Time `json:"collectedAt"`
}
