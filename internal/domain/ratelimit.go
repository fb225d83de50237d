package domain

import "time"

// RateLimitAcquisition asks for Units against the bucket Key, which allows Limit
// units per Window.
type RateLimitAcquisition struct {
	Key    string        `json:"key"`
	Units  int           `json:"units"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

type RateLimitDecision struct {
	Granted bool
	// Key is the first bucket that denied the request.
	Key        string
	RetryAfter time.Duration
}
