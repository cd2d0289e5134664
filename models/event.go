package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventScreenView         EventType = "screen_view"
	EventScrollDepth        EventType = "scroll_depth"
	EventNavigationPath     EventType = "navigation_path"
	EventProductInteraction EventType = "product_interaction"
	EventCartAdd            EventType = "cart_add"
	EventCartRemove         EventType = "cart_remove"
	EventFraudSignal        EventType = "fraud_signal"
)

// BehaviorEvent is a single interaction reported by the storefront client.
// DeviceID is always present; UserID is filled in once the device is
// linked to an account.
type BehaviorEvent struct {
	EventID    string          `json:"eventId"`
	DeviceID   string          `json:"deviceId"`
	UserID     string          `json:"userId,omitempty"`
	EventType  EventType       `json:"eventType"`
	ScreenName string          `json:"screenName,omitempty"`
	EventData  json.RawMessage `json:"eventData,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
}

// IdentityKey is the key used for active-identity tracking.
func (e *BehaviorEvent) IdentityKey() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.DeviceID
}

// Validate checks the fields every ingestion path requires. eventData of
// a known type must decode into its payload variant; unknown types pass
// through untouched.
func (e *BehaviorEvent) Validate() error {
	if e.DeviceID == "" {
		return &ValidationError{Field: "deviceId"}
	}
	if _, err := e.Payload(); err != nil {
		return &ValidationError{Field: "eventData", Reason: err.Error()}
	}
	return nil
}

// Payload decodes EventData into the variant matching EventType.
func (e *BehaviorEvent) Payload() (Payload, error) {
	return DecodePayload(e.EventType, e.EventData)
}

// Hints extracts the device description the client may attach to any
// event, either at the top level of eventData or under deviceInfo.
func (e *BehaviorEvent) Hints() DeviceHints {
	return DecodeDeviceHints(e.EventData)
}

// SubmitEventRequest is the body accepted by the track endpoint.
type SubmitEventRequest struct {
	DeviceID   string          `json:"deviceId"`
	UserID     string          `json:"userId"`
	EventType  EventType       `json:"eventType"`
	ScreenName string          `json:"screenName"`
	EventData  json.RawMessage `json:"eventData"`
	SessionID  string          `json:"sessionId"`
	Timestamp  *time.Time      `json:"timestamp"`
}

// SubmitResult mirrors the {success, error} shape returned to clients.
type SubmitResult struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
	Error   string `json:"error,omitempty"`
}
