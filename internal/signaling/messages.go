package signaling

import (
	"encoding/json"
)

// MessageType tags a signaling message
type MessageType string

const (
	// Server → client
	MSG_WELCOME       MessageType = "welcome"
	MSG_PARTICIPANTS  MessageType = "participants"
	MSG_PEER_JOINED   MessageType = "peer-joined"
	MSG_PEER_LEFT     MessageType = "peer-left"
	MSG_PRODUCER_GONE MessageType = "producer-gone"
	MSG_ERROR         MessageType = "error"

	// Client → server
	MSG_JOIN  MessageType = "join"
	MSG_LEAVE MessageType = "leave"

	// Relayed verbatim between a peer pair
	MSG_OFFER         MessageType = "offer"
	MSG_ANSWER        MessageType = "answer"
	MSG_ICE_CANDIDATE MessageType = "ice-candidate"
)

// Role of a room participant. A room admits at most one broadcaster.
type Role string

const (
	ROLE_BROADCASTER Role = "broadcaster"
	ROLE_VIEWER      Role = "viewer"
)

// IsValid checks if a Role is recognized
func (r Role) IsValid() bool {
	return r == ROLE_BROADCASTER || r == ROLE_VIEWER
}

// Message is the JSON envelope on the signaling socket. Payload carries the
// SDP or ICE body and is never inspected by the server.
type Message struct {
	Type     MessageType     `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	Role     Role            `json:"role,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	FromID   string          `json:"fromId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`

	// MSG_PARTICIPANTS
	Participants []Participant `json:"participants,omitempty"`
}

// Participant is one entry of the room participant list
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Encode marshals a message for the wire
func (m Message) Encode() []byte {
	data, _ := json.Marshal(m)
	return data
}
