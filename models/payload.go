package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the decoded eventData of a BehaviorEvent. Each variant only
// declares the fields the pipeline reads; anything else stays in the raw
// JSON persisted with the event.
type Payload interface {
	Kind() EventType
}

type ScreenViewPayload struct {
	Duration float64 `json:"duration"`
}

func (ScreenViewPayload) Kind() EventType { return EventScreenView }

type ScrollDepthPayload struct {
	MaxScrollDepth float64 `json:"maxScrollDepth"`
	Depth          float64 `json:"depth"`
}

func (ScrollDepthPayload) Kind() EventType { return EventScrollDepth }

type NavigationPathPayload struct {
	Path string `json:"path"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (NavigationPathPayload) Kind() EventType { return EventNavigationPath }

type ProductInteractionPayload struct {
	ProductID      FlexibleID `json:"productId"`
	Duration       float64    `json:"duration"`
	ZoomCount      int        `json:"zoomCount"`
	CarouselSwipes int        `json:"carouselSwipes"`
}

func (ProductInteractionPayload) Kind() EventType { return EventProductInteraction }

// CartPayload is shared by cart_add and cart_remove.
type CartPayload struct {
	Type      EventType  `json:"-"`
	ProductID FlexibleID `json:"productId"`
	Quantity  int        `json:"quantity"`
	Price     float64    `json:"price"`
}

func (p CartPayload) Kind() EventType { return p.Type }

type FraudSignalPayload struct {
	Signal string  `json:"signal"`
	Score  float64 `json:"score"`
}

func (FraudSignalPayload) Kind() EventType { return EventFraudSignal }

// UnknownPayload keeps event types this build does not know about.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (p UnknownPayload) Kind() EventType { return p.Type }

// FlexibleID accepts both numeric and string ids; clients send either.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexibleID(n.String())
	return nil
}

// DecodePayload picks the variant for eventType. Empty data decodes to the
// zero value of the variant.
func DecodePayload(eventType EventType, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch eventType {
	case EventScreenView:
		var v ScreenViewPayload
		err = unmarshalOptional(data, &v)
		p = v
	case EventScrollDepth:
		var v ScrollDepthPayload
		err = unmarshalOptional(data, &v)
		p = v
	case EventNavigationPath:
		var v NavigationPathPayload
		err = unmarshalOptional(data, &v)
		p = v
	case EventProductInteraction:
		var v ProductInteractionPayload
		err = unmarshalOptional(data, &v)
		p = v
	case EventCartAdd, EventCartRemove:
		v := CartPayload{Type: eventType}
		err = unmarshalOptional(data, &v)
		p = v
	case EventFraudSignal:
		var v FraudSignalPayload
		err = unmarshalOptional(data, &v)
		p = v
	default:
		return UnknownPayload{Type: eventType, Raw: data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}

func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// DeviceHints is the device description a client may attach to an event.
type DeviceHints struct {
	Platform   string
	OSVersion  string
	ScreenSize string
	Browser    string
	Extra      map[string]any
}

// Empty reports whether the hints carry nothing worth writing.
func (h DeviceHints) Empty() bool {
	return h.Platform == "" && h.OSVersion == "" && h.ScreenSize == "" && h.Browser == "" && len(h.Extra) == 0
}

type deviceHintsWire struct {
	Platform   string         `json:"platform"`
	OSVersion  string         `json:"osVersion"`
	ScreenSize string         `json:"screenSize"`
	Browser    string         `json:"browser"`
	DeviceInfo map[string]any `json:"deviceInfo"`
}

// DecodeDeviceHints never fails: malformed data yields empty hints.
func DecodeDeviceHints(data json.RawMessage) DeviceHints {
	var w deviceHintsWire
	if err := unmarshalOptional(data, &w); err != nil {
		return DeviceHints{}
	}
	h := DeviceHints{
		Platform:   w.Platform,
		OSVersion:  w.OSVersion,
		ScreenSize: w.ScreenSize,
		Browser:    w.Browser,
		Extra:      w.DeviceInfo,
	}
	if h.Platform == "" {
		h.Platform = stringField(w.DeviceInfo, "platform")
	}
	if h.OSVersion == "" {
		h.OSVersion = stringField(w.DeviceInfo, "osVersion")
	}
	if h.ScreenSize == "" {
		h.ScreenSize = stringField(w.DeviceInfo, "screenSize")
	}
	if h.Browser == "" {
		h.Browser = stringField(w.DeviceInfo, "browser")
	}
	return h
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
