package models

import "time"

// EventCountBucket is one time bucket of the mirror's event counts.
// EventType is only set when the query was filtered by type.
type EventCountBucket struct {
	Time      time.Time `json:"time"`
	EventType *string   `json:"eventType,omitempty"`
	Count     uint64    `json:"count"`
}

type ScreenCount struct {
	ScreenName string `json:"screenName"`
	Count      uint64 `json:"count"`
}
