package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"mabletask/telemetry/models"
)

// Stream entry field names.
const (
	fieldEventID       = "eventId"
	fieldDeviceID      = "deviceId"
	fieldUserID        = "userId"
	fieldEventType     = "eventType"
	fieldScreenName    = "screenName"
	fieldEventData     = "eventData"
	fieldSessionID     = "sessionId"
	fieldIPAddress     = "ipAddress"
	fieldUserAgent     = "userAgent"
	fieldTimestamp     = "timestamp"
	fieldDeliveryCount = "deliveryCount"

	fieldFailedAt   = "failedAt"
	fieldOriginalID = "originalId"
	fieldLastError  = "lastError"
)

// Message is one stream entry handed to a consumer.
type Message struct {
	ID            string
	Event         *models.BehaviorEvent
	DeliveryCount int
}

func encode(e *models.BehaviorEvent, deliveryCount int) map[string]interface{} {
	data := "{}"
	if len(e.EventData) > 0 {
		data = string(e.EventData)
	}
	return map[string]interface{}{
		fieldEventID:       e.EventID,
		fieldDeviceID:      e.DeviceID,
		fieldUserID:        e.UserID,
		fieldEventType:     string(e.EventType),
		fieldScreenName:    e.ScreenName,
		fieldEventData:     data,
		fieldSessionID:     e.SessionID,
		fieldIPAddress:     e.IPAddress,
		fieldUserAgent:     e.UserAgent,
		fieldTimestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldDeliveryCount: strconv.Itoa(deliveryCount),
	}
}

// decode rebuilds a message from stream fields. An error marks the entry
// as poison.
func decode(id string, values map[string]interface{}) (*Message, error) {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}

	e := &models.BehaviorEvent{
		EventID:    str(fieldEventID),
		DeviceID:   str(fieldDeviceID),
		UserID:     str(fieldUserID),
		EventType:  models.EventType(str(fieldEventType)),
		ScreenName: str(fieldScreenName),
		SessionID:  str(fieldSessionID),
		IPAddress:  str(fieldIPAddress),
		UserAgent:  str(fieldUserAgent),
	}

	if data := str(fieldEventData); data != "" {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("entry %s: eventData is not valid JSON", id)
		}
		e.EventData = json.RawMessage(data)
	}

	ts := str(fieldTimestamp)
	if ts == "" {
		return nil, fmt.Errorf("entry %s: missing timestamp", id)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad timestamp: %w", id, err)
	}
	e.Timestamp = parsed

	count := 1
	if raw := str(fieldDeliveryCount); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 {
			return nil, fmt.Errorf("entry %s: bad deliveryCount %q", id, raw)
		}
	}

	return &Message{ID: id, Event: e, DeliveryCount: count}, nil
}
