// Package types provides type definitions for structured data used throughout the auto-posting engine.
//
//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// PostStatus is the lifecycle state of a Post.
type PostStatus string

const (
	// StatusPending posts are waiting for dispatch to the scheduling service
	StatusPending PostStatus = "pending"
	// StatusScheduled posts were accepted by the scheduling service
	StatusScheduled PostStatus = "scheduled"
	// StatusFailed posts were rejected by the scheduling service; terminal until requeued
	StatusFailed PostStatus = "failed"
)

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusFailed:
		return true
	}
	return false
}

// Concept sources recorded on posts.
const (
	SourceCSVImport = "csv_import"
	SourceCSVUpload = "csv_upload"
	SourceManual    = "manual"
)

// Post is a unit of content to be published.
type Post struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	ImageURLs      []string   `json:"imageUrls"`
	Genre          string     `json:"genre"`
	ScheduledTime  time.Time  `json:"scheduledTime"`
	BufferSentTime *time.Time `json:"bufferSentTime,omitempty"`
	Status         PostStatus `json:"status"`
	ConceptSource  string     `json:"conceptSource"`
	ReferencePost  string     `json:"referencePost,omitempty"`
	RemoteID       string     `json:"remoteId,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// PostEdit carries the fields an operator may change on an existing post.
// Nil fields are left untouched. Requeue returns the post to pending and clears
// its dispatch bookkeeping; it is the only way a scheduled or failed post
// becomes pending again.
type PostEdit struct {
	Text          *string
	ImageURLs     []string
	Genre         *string
	ScheduledTime *time.Time
	Requeue       bool
}

// CandidateRecord is a normalized CSV row, before generation.
type CandidateRecord struct {
	PostText string `json:"postText"`
	ImageURL string `json:"imageUrl"`
	Likes    int    `json:"likes"`
	Genre    string `json:"genre"`
}

// ProcessedFile is a ledger entry for an ingested source file.
type ProcessedFile struct {
	ID             int64     `json:"id"`
	Filename       string    `json:"filename"`
	ProcessedAt    time.Time `json:"processedAt"`
	PostsGenerated int       `json:"postsGenerated"`
}
