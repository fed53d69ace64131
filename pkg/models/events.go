package models

import (
	"fmt"
	"time"
)

// EventTopic names a lifecycle topic on the event bus
type EventTopic string

const (
	TOPIC_SESSION_CREATED    EventTopic = "session.created"
	TOPIC_SESSION_READY      EventTopic = "session.ready"
	TOPIC_SESSION_IDLE       EventTopic = "session.idle"
	TOPIC_SESSION_RESUMED    EventTopic = "session.resumed"
	TOPIC_SESSION_FAILED     EventTopic = "session.failed"
	TOPIC_SESSION_TERMINATED EventTopic = "session.terminated"
)

// TopicForState maps a state transition to its lifecycle topic. Returns ""
// for transitions that do not publish (scheduling/pulling/booting).
func TopicForState(prev, next SessionState) EventTopic {
	switch next {
	case PENDING:
		return TOPIC_SESSION_CREATED
	case READY:
		if prev == IDLE {
			return TOPIC_SESSION_RESUMED
		}
		return TOPIC_SESSION_READY
	case IDLE:
		return TOPIC_SESSION_IDLE
	case FAILED:
		return TOPIC_SESSION_FAILED
	case TERMINATED:
		return TOPIC_SESSION_TERMINATED
	}
	return ""
}

// LifecycleEvent is published at-least-once on each session state change.
// Consumers deduplicate on (session_id, generation, new_state).
type LifecycleEvent struct {
	Topic      EventTopic   `json:"topic"`
	SessionID  string       `json:"session_id"`
	Generation int          `json:"generation"`
	OrgID      string       `json:"org_id"`
	NewState   SessionState `json:"new_state"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"ts"`
}

// DedupKey is the consumer-side deduplication key
func (e LifecycleEvent) DedupKey() string {
	return fmt.Sprintf("%s/%d/%s", e.SessionID, e.Generation, e.NewState)
}
