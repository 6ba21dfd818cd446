package model

import (
	"time"
)

// EventType identifies an event relayed to the UI during a send.
type EventType string

const (
	EventTypeDelta     EventType = "delta"
	EventTypeReasoning EventType = "reasoning"
	EventTypeComplete  EventType = "complete"
	EventTypeError     EventType = "error"
	EventTypeHeartbeat EventType = "heartbeat"
)

// DeltaEvent carries one incremental text fragment of the answer or
// reasoning channel.
type DeltaEvent struct {
	Text string `json:"text"`
}

// CompleteEvent carries the finished assistant message at terminal time.
type CompleteEvent struct {
	Message Message `json:"message"`
}

// ErrorEvent describes a failed send.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps long-lived relay connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
