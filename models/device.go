package models

import (
	"encoding/json"
	"time"
)

// DeviceRecord is one row per install. Later sightings only overwrite
// fields the client actually sent.
type DeviceRecord struct {
	DeviceID      string          `json:"deviceId"`
	Platform      string          `json:"platform,omitempty"`
	OSVersion     string          `json:"osVersion,omitempty"`
	ScreenSize    string          `json:"screenSize,omitempty"`
	Browser       string          `json:"browser,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	FirstSeen     time.Time       `json:"firstSeen"`
	LastSeen      time.Time       `json:"lastSeen"`
	TotalSessions int             `json:"totalSessions"`
}

// DeviceSummary is a row of the device listing.
type DeviceSummary struct {
	DeviceRecord
	UserID      string `json:"userId,omitempty"`
	TotalEvents int64  `json:"totalEvents"`
}

type SessionRecord struct {
	SessionID   string          `json:"sessionId"`
	DeviceID    string          `json:"deviceId"`
	UserID      string          `json:"userId,omitempty"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Duration    int64           `json:"duration"`
	PageCount   int             `json:"pageCount"`
	ScrollDepth float64         `json:"scrollDepth"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type StartSessionRequest struct {
	DeviceID  string          `json:"deviceId"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Metadata  json.RawMessage `json:"metadata"`
}

type EndSessionRequest struct {
	SessionID   string          `json:"sessionId"`
	Duration    int64           `json:"duration"`
	PageCount   int             `json:"pageCount"`
	ScrollDepth float64         `json:"scrollDepth"`
	Metadata    json.RawMessage `json:"metadata"`
}

type LinkDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

// LinkResult counts the rows a link rewrote. A repeated link returns zeros.
type LinkResult struct {
	Events     int64 `json:"events"`
	Sessions   int64 `json:"sessions"`
	Aggregates int64 `json:"aggregates"`
}
