// Package wire defines the frame types exchanged with the remote agent.
//
// Frames are JSON objects discriminated by a "type" field. Outbound frames
// are commands (prompt, abort, steer); inbound frames wrap agent events,
// where a snapshot event carries the full mirrored session state. Variant
// spellings of known tags are folded to one canonical tag at ingestion.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType discriminates outbound command frames.
type CommandType string

const (
	// CommandPrompt submits a user message to the agent.
	CommandPrompt CommandType = "prompt"
	// CommandAbort interrupts the agent's current turn.
	CommandAbort CommandType = "abort"
	// CommandSteer redirects the agent mid-turn with a new message.
	CommandSteer CommandType = "steer"
)

// Command is an outbound frame. Immutable after creation; the sequence
// number is assigned when the command is queued and never serialized.
type Command struct {
	Type    CommandType `json:"type"`
	Message string      `json:"message,omitempty"`
	Seq     uint64      `json:"-"`
}

// Encode serializes the command to its wire form.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", c.Type, err)
	}
	return data, nil
}

// EventClass classifies an inbound frame after tag normalization.
type EventClass int

const (
	// ClassSnapshot is a full-state snapshot that replaces the mirrored
	// session state wholesale.
	ClassSnapshot EventClass = iota
	// ClassAgent is an opaque agent event forwarded to subscribers without
	// bridge-side interpretation.
	ClassAgent
	// ClassUnrecognized is a frame with an unknown outer discriminator.
	ClassUnrecognized
)

// String returns the class name for logging.
func (c EventClass) String() string {
	switch c {
	case ClassSnapshot:
		return "snapshot"
	case ClassAgent:
		return "agent"
	case ClassUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Event is an inbound frame after classification.
type Event struct {
	Class EventClass
	// Type is the canonical inner event tag ("state-update" for snapshots).
	// Empty for unrecognized frames.
	Type string
	// Payload is the inner event verbatim, or the whole frame for
	// unrecognized discriminators.
	Payload json.RawMessage
	// Raw is the original frame as received, for verbatim re-emission.
	Raw []byte
}

// eventOuterType is the outer discriminator that wraps agent events.
const eventOuterType = "agent-event"

// SnapshotTag is the canonical tag of the snapshot event class.
const SnapshotTag = "state-update"

// canonicalTags folds variant spellings of known inner tags to one
// canonical form. Applied exactly once, at ingestion.
var canonicalTags = map[string]string{
	"state-update": SnapshotTag,
	"state_update": SnapshotTag,
}

// CanonicalTag returns the canonical spelling for a known inner tag, or the
// tag unchanged when no mapping exists.
func CanonicalTag(tag string) string {
	if canonical, ok := canonicalTags[tag]; ok {
		return canonical
	}
	return tag
}

// ErrMalformedFrame indicates a frame that could not be parsed as JSON.
var ErrMalformedFrame = errors.New("malformed frame")

type inboundFrame struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
}

type innerEvent struct {
	Type string `json:"type"`
}

// ParseEvent classifies a single inbound frame. Unknown outer discriminators
// yield ClassUnrecognized rather than an error; only non-JSON input fails.
func ParseEvent(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	if frame.Type != eventOuterType {
		return Event{
			Class:   ClassUnrecognized,
			Payload: json.RawMessage(raw),
			Raw:     raw,
		}, nil
	}

	var inner innerEvent
	if len(frame.Event) > 0 {
		if err := json.Unmarshal(frame.Event, &inner); err != nil {
			return Event{}, fmt.Errorf("%w: inner event: %v", ErrMalformedFrame, err)
		}
	}

	tag := CanonicalTag(inner.Type)
	class := ClassAgent
	if tag == SnapshotTag {
		class = ClassSnapshot
	}

	return Event{
		Class:   class,
		Type:    tag,
		Payload: frame.Event,
		Raw:     raw,
	}, nil
}
