package domain

import "time"

// SessionCounts are the generation counters tracked per session.
type SessionCounts struct {
	Daily int `json:"daily_count"`
	Total int `json:"total_count"`
}

// GeneratedImage is one history entry stored in a session.
type GeneratedImage struct {
	RequestID   string    `json:"request_id"`
	Index       int       `json:"index"`
	Seed        int64     `json:"seed"`
	ImageRef    string    `json:"image_ref"`
	Instruction string    `json:"instruction,omitempty"`
	Country     string    `json:"country,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SessionHistory is the view returned to the route layer.
type SessionHistory struct {
	SessionID       string           `json:"session_id"`
	Counts          SessionCounts    `json:"counts"`
	GeneratedImages []GeneratedImage `json:"generated_images"`
	LastActivity    time.Time        `json:"last_activity"`
}
