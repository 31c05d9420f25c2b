package storage

import "time"

const timeLayout = time.RFC3339

// Turn is one row of the turn log. Unlike session history it is not capped
// and outlives session expiry.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Domains   []string  `json:"domains,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
