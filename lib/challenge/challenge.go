// Package challenge issues and consumes the short-lived question sessions
// that every verification starts from.
package challenge

import "time"

// Challenge is the metadata about a single challenge issuance.
type Challenge struct {
	SessionID string            `json:"sessionId"`          // Caller-chosen session identifier
	Question  string            `json:"question"`           // The question text shown to the user
	CreatedAt time.Time         `json:"createdAt"`          // When the challenge was issued
	Metadata  map[string]string `json:"metadata,omitempty"` // Request metadata such as IP address and user agent
}

// Expired reports whether the challenge is older than ttl at now.
func (c *Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}
