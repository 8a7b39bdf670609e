// Package protocol implements the bi-kanpe wire codec: a closed set of
// envelope types tagged by "type", serialized as JSON text frames.
//
// Decoding fails with faults.MalformedEnvelopeError on missing fields,
// unknown tags, or type-mismatched payloads. Unknown optional monitor
// fields are ignored for forward-compat (see AsMonitor).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bikanpe/bikanpe/internal/faults"
)

// Type is the closed set of envelope tags.
type Type string

const (
	TypeClientHello     Type = "client_hello"
	TypeServerWelcome   Type = "server_welcome"
	TypeMonitorListSync Type = "monitor_list_sync"
	TypeMonitorAdded    Type = "monitor_added"
	TypeMonitorRemoved  Type = "monitor_removed"
	TypeMonitorUpdated  Type = "monitor_updated"
	TypeKanpeMessage    Type = "kanpe_message"
	TypeFlashCommand    Type = "flash_command"
	TypeClearCommand    Type = "clear_command"
	TypeFeedbackMessage Type = "feedback_message"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// AllSentinel is the reserved broadcast sentinel recognized only inside
// target_monitor_ids lists. It must never be assigned as a monitor ID.
const AllSentinel = "ALL"

// Priority is the urgency tag of a kanpe directive.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// FeedbackType is the closed set of caster feedback tags.
type FeedbackType string

const (
	FeedbackAck      FeedbackType = "ack"
	FeedbackQuestion FeedbackType = "question"
	FeedbackIssue    FeedbackType = "issue"
	FeedbackInfo     FeedbackType = "info"
)

// Envelope is the immutable wire message: type, id, timestamp, and a
// tag-specific payload. Handlers must not mutate an Envelope once it
// has been minted or decoded.
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Monitor mirrors internal/monitor.Monitor on the wire. Kept separate
// from the registry's own type so the wire shape can evolve (new
// optional fields) without touching registry internals.
type Monitor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

type ClientHelloPayload struct {
	ClientName        string   `json:"client_name"`
	DisplayMonitorIDs []string `json:"display_monitor_ids"`
}

type ServerWelcomePayload struct {
	ServerName       string `json:"server_name"`
	AssignedClientID string `json:"assigned_client_id"`
}

type MonitorListSyncPayload struct {
	Monitors []Monitor `json:"monitors"`
}

type MonitorRemovedPayload struct {
	MonitorID string `json:"monitor_id"`
}

type KanpePayload struct {
	Content          string   `json:"content"`
	TargetMonitorIDs []string `json:"target_monitor_ids"`
	Priority         Priority `json:"priority"`
}

type FlashClearPayload struct {
	TargetMonitorIDs []string `json:"target_monitor_ids"`
}

type FeedbackPayload struct {
	Content          string       `json:"content"`
	ClientName       string       `json:"client_name"`
	ReplyToMessageID string       `json:"reply_to_message_id"`
	FeedbackType     FeedbackType `json:"feedback_type"`
}

// NewID mints a version-4 UUID string, used for Envelope.id and for the
// hub's client IDs. Monitor IDs are minted separately by the registry.
func NewID() string {
	return uuid.NewString()
}

// nowMillis is the sender's local clock, milliseconds since epoch.
// Timestamps are hints, never ordering keys (no clock sync assumed).
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Encode marshals a payload and mints a fresh envelope around it. The
// zero value of payload (nil) is valid for ping/pong, which carry no
// payload.
func Encode(typ Type, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      typ,
		ID:        NewID(),
		Timestamp: nowMillis(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// EncodeBytes is Encode followed by json.Marshal of the envelope
// itself, the form actually written to the wire.
func EncodeBytes(typ Type, payload any) ([]byte, error) {
	env, err := Encode(typ, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a wire frame into an Envelope, validating the closed
// type set and required fields. It does not decode the tag-specific
// payload; use the As* helpers for that once the type is known.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &faults.MalformedEnvelopeError{Reason: "invalid JSON", Err: err}
	}
	if env.ID == "" {
		return nil, &faults.MalformedEnvelopeError{Reason: "missing id"}
	}
	if env.Timestamp == 0 {
		return nil, &faults.MalformedEnvelopeError{Reason: "missing timestamp"}
	}
	switch env.Type {
	case TypeClientHello, TypeServerWelcome, TypeMonitorListSync,
		TypeMonitorAdded, TypeMonitorRemoved, TypeMonitorUpdated,
		TypeKanpeMessage, TypeFlashCommand, TypeClearCommand,
		TypeFeedbackMessage, TypePing, TypePong:
		// recognized
	default:
		return nil, &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
	return &env, nil
}

func decodePayload(env *Envelope, want Type, out any) error {
	if env.Type != want {
		return &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("expected %s, got %s", want, env.Type)}
	}
	if len(env.Payload) == 0 {
		return &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("%s missing payload", want)}
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("%s payload shape", want), Err: err}
	}
	return nil
}

func (e *Envelope) AsClientHello() (ClientHelloPayload, error) {
	var p ClientHelloPayload
	err := decodePayload(e, TypeClientHello, &p)
	return p, err
}

func (e *Envelope) AsServerWelcome() (ServerWelcomePayload, error) {
	var p ServerWelcomePayload
	err := decodePayload(e, TypeServerWelcome, &p)
	return p, err
}

func (e *Envelope) AsMonitorListSync() (MonitorListSyncPayload, error) {
	var p MonitorListSyncPayload
	err := decodePayload(e, TypeMonitorListSync, &p)
	return p, err
}

func (e *Envelope) AsMonitor() (Monitor, error) {
	var p Monitor
	if e.Type != TypeMonitorAdded && e.Type != TypeMonitorUpdated {
		return p, &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("%s is not a monitor payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, &faults.MalformedEnvelopeError{Reason: "monitor payload shape", Err: err}
	}
	return p, nil
}

func (e *Envelope) AsMonitorRemoved() (MonitorRemovedPayload, error) {
	var p MonitorRemovedPayload
	err := decodePayload(e, TypeMonitorRemoved, &p)
	return p, err
}

func (e *Envelope) AsKanpe() (KanpePayload, error) {
	var p KanpePayload
	err := decodePayload(e, TypeKanpeMessage, &p)
	if err != nil {
		return p, err
	}
	if p.Content == "" {
		return p, &faults.MalformedEnvelopeError{Reason: "kanpe_message content is empty"}
	}
	if len(p.TargetMonitorIDs) == 0 {
		return p, &faults.MalformedEnvelopeError{Reason: "kanpe_message target_monitor_ids is empty"}
	}
	return p, nil
}

func (e *Envelope) AsFlashOrClear() (FlashClearPayload, error) {
	var p FlashClearPayload
	if e.Type != TypeFlashCommand && e.Type != TypeClearCommand {
		return p, &faults.MalformedEnvelopeError{Reason: fmt.Sprintf("%s is not flash/clear", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, &faults.MalformedEnvelopeError{Reason: "flash/clear payload shape", Err: err}
	}
	return p, nil
}

func (e *Envelope) AsFeedback() (FeedbackPayload, error) {
	var p FeedbackPayload
	err := decodePayload(e, TypeFeedbackMessage, &p)
	if err != nil {
		return p, err
	}
	if p.Content == "" {
		return p, &faults.MalformedEnvelopeError{Reason: "feedback_message content is empty"}
	}
	return p, nil
}

// TargetsAll reports whether a target_monitor_ids list contains the
// broadcast sentinel.
func TargetsAll(targetIDs []string) bool {
	for _, id := range targetIDs {
		if id == AllSentinel {
			return true
		}
	}
	return false
}

// Intersects reports whether two monitor ID sets share any element.
func Intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	for _, id := range a {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
