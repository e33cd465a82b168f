package model

import "time"

// KnownDevice is one row of the identity registry: every map key the
// coordinator has ever published.
type KnownDevice struct {
	Key         string    `json:"key"`
	ParentKey   string    `json:"parent_key,omitempty"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	IMEI        string    `json:"imei,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
