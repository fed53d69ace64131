package models

// FrameMarker distinguishes payload frames from stream control markers
type FrameMarker string

const (
	MARKER_NONE    FrameMarker = ""        // Ordinary payload frame
	MARKER_RESET   FrameMarker = "reset"   // Reset acknowledgment at frame counter zero
	MARKER_FAULTED FrameMarker = "faulted" // Terminates the stream on producer fault
)

// Frame is an encoded image plus its ordering metadata. Frames are produced
// in strictly increasing (generation, frame_counter) order; a reset marker
// restarts the counter at zero. Receivers may drop but never reorder.
type Frame struct {
	SessionID    string      `json:"session_id"`
	Generation   int         `json:"generation"`
	FrameCounter int64       `json:"frame_counter"`
	PhysicsTime  float64     `json:"physics_time"` // Seconds since last reset
	Data         []byte      `json:"-"`            // Encoded image bytes
	Encoding     string      `json:"encoding"`     // e.g. "jpeg"
	Marker       FrameMarker `json:"marker,omitempty"`
}

// After reports whether f was produced strictly after other
func (f Frame) After(other Frame) bool {
	if f.Generation != other.Generation {
		return f.Generation > other.Generation
	}
	return f.FrameCounter > other.FrameCounter
}

// StreamHeader is the first text frame pushed on a stream subscription
type StreamHeader struct {
	Generation int    `json:"generation"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Encoding   string `json:"encoding"`
}
