package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxRecentEvents bounds the processed-event window kept per conversation.
const MaxRecentEvents = 64

// EventKind is the kind of inbound event delivered to a conversation.
type EventKind string

const (
	EventText       EventKind = "text"
	EventAttachment EventKind = "attachment"
	EventTimer      EventKind = "timer"
)

// InboundEvent is a lead message, an attachment or a timer tick addressed to
// one conversation. Token is only meaningful for timer events and carries the
// node instance that armed the deadline.
type InboundEvent struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Kind           EventKind   `json:"kind"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Token          int64       `json:"token,omitempty"`
	ReceivedAt     time.Time   `json:"received_at"`
}

// Validate checks that the event is well formed.
func (e *InboundEvent) Validate() error {
	if e.ID == "" {
		return ErrEmptyEventKey
	}
	switch e.Kind {
	case EventText:
		return nil
	case EventAttachment:
		if e.Attachment == nil || e.Attachment.Reference == "" {
			return fmt.Errorf("%w: attachment event without reference", ErrInvalidEvent)
		}
		return nil
	case EventTimer:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
}

// InboundMessage is a message received from a messaging channel, before it is
// routed to a conversation. From is the sender's canonical phone number.
type InboundMessage struct {
	ID         string      `json:"id"`
	From       string      `json:"from"`
	Name       string      `json:"name,omitempty"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Time       int64       `json:"time"`
}

// EffectKind identifies a declared side effect.
type EffectKind string

const (
	EffectSendMessage     EffectKind = "send_message"
	EffectUpdateLeadField EffectKind = "update_lead_field"
	EffectMoveFunnelStage EffectKind = "move_funnel_stage"
	EffectNotifyHuman     EffectKind = "notify_human"
	EffectEndConversation EffectKind = "end_conversation"
)

// OutboundMessage is an interpolated message ready for a messaging channel.
type OutboundMessage struct {
	Text      string    `json:"text,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	DelayMs   int64     `json:"delay_ms,omitempty"`
}

// Effect is a side effect declared by the step executor. Key is deterministic
// for a given conversation, node instance and position, so replays collapse.
type Effect struct {
	Key            string           `json:"key"`
	Kind           EffectKind       `json:"kind"`
	ConversationID string           `json:"conversation_id"`
	LeadID         string           `json:"lead_id"`
	NodeID         string           `json:"node_id"`
	Message        *OutboundMessage `json:"message,omitempty"`
	Field          string           `json:"field,omitempty"`
	Value          string           `json:"value,omitempty"`
	FunnelID       string           `json:"funnel_id,omitempty"`
	StageID        string           `json:"stage_id,omitempty"`
	NotifyPhone    string           `json:"notify_phone,omitempty"`
	Notification   string           `json:"notification,omitempty"`
	Reason         EndReason        `json:"reason,omitempty"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// ConversationState is the persisted execution context of one flow run.
// Attempts holds fallback attempt counters and Retries holds
// retry_with_variation counters, both keyed by node id. NodeInstance grows on
// every node entry and tags timer events; EffectSeq numbers declared effects.
type ConversationState struct {
	ID            string             `json:"id"`
	LeadID        string             `json:"lead_id"`
	FlowID        string             `json:"flow_id"`
	CurrentNodeID string             `json:"current_node_id"`
	Status        ConversationStatus `json:"status"`
	Variables     map[string]Value   `json:"variables"`
	Attempts      map[string]int     `json:"attempts,omitempty"`
	Retries       map[string]int     `json:"retries,omitempty"`
	NodeInstance  int64              `json:"node_instance"`
	EffectSeq     int64              `json:"effect_seq"`
	DeadlineAt    *time.Time         `json:"deadline_at,omitempty"`
	LastInput     string             `json:"last_input,omitempty"`
	RecentEvents  []string           `json:"recent_events,omitempty"`
	EndReason     EndReason          `json:"end_reason,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so an executor step can be discarded without
// touching the committed state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Variables = make(map[string]Value, len(s.Variables))
	for k, v := range s.Variables {
		if v.Attachment != nil {
			a := *v.Attachment
			v.Attachment = &a
		}
		c.Variables[k] = v
	}
	c.Attempts = cloneCounters(s.Attempts)
	c.Retries = cloneCounters(s.Retries)
	if s.DeadlineAt != nil {
		d := *s.DeadlineAt
		c.DeadlineAt = &d
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	c.RecentEvents = append([]string(nil), s.RecentEvents...)
	return &c
}

func cloneCounters(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsActive reports whether the conversation still accepts events.
func (s *ConversationState) IsActive() bool {
	return s.Status == ConversationActive
}

// SeenEvent reports whether an inbound event id was already processed.
func (s *ConversationState) SeenEvent(id string) bool {
	for _, seen := range s.RecentEvents {
		if seen == id {
			return true
		}
	}
	return false
}

// RememberEvent records a processed event id, keeping the newest MaxRecentEvents.
func (s *ConversationState) RememberEvent(id string) {
	if id == "" || s.SeenEvent(id) {
		return
	}
	s.RecentEvents = append(s.RecentEvents, id)
	if over := len(s.RecentEvents) - MaxRecentEvents; over > 0 {
		s.RecentEvents = s.RecentEvents[over:]
	}
}

// Lead is the CRM record a conversation talks to.
type Lead struct {
	ID        string            `json:"id"`
	Phone     string            `json:"phone"`
	Name      string            `json:"name,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	FunnelID  string            `json:"funnel_id,omitempty"`
	StageID   string            `json:"stage_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Validate checks that the lead can be addressed.
func (l *Lead) Validate() error {
	if l.ID == "" {
		return ErrEmptyLeadID
	}
	if l.Phone == "" {
		return ErrEmptyPhone
	}
	return nil
}

// FlowRecord is a stored flow document. Definition is the canonical JSON form.
type FlowRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Definition json.RawMessage `json:"definition"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
