// Package protocol defines the message envelope exchanged between a
// surface process and the assistant server, the closed set of message
// types, and the deduplication window applied to chat content.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidTimeRange = errors.New("event end must be after start")
	ErrInvalidStatus    = errors.New("invalid offer status")
	ErrMalformed        = errors.New("malformed envelope")
)

// MessageType discriminates envelopes on the wire. The set is closed:
// anything not listed here decodes fine but reports Known() == false
// and is dropped by the router.
type MessageType string

const (
	// Client to server.
	TypeChatMessage       MessageType = "chat_message"
	TypeSyncHistory       MessageType = "sync_history"
	TypeGetOffers         MessageType = "get_offers"
	TypeUpdateOfferStatus MessageType = "update_offer_status"
	TypeGetSchedule       MessageType = "get_schedule"
	TypeAddEvent          MessageType = "add_event"
	TypeUpdateEvent       MessageType = "update_event"
	TypeDeleteEvent       MessageType = "delete_event"
	TypeGetStatus         MessageType = "get_status"

	// Server to client.
	TypeBotResponse         MessageType = "bot_response"
	TypeChatAnswer          MessageType = "chat_answer"
	TypeConversationHistory MessageType = "conversation_history"
	TypeSystemMessage       MessageType = "system_message"
	TypeOpenTab             MessageType = "open_tab"
	TypeError               MessageType = "error"
	TypeOffersData          MessageType = "offers_data"
	TypeOfferStatusUpdated  MessageType = "offer_status_updated"
	TypeScheduleData        MessageType = "schedule_data"
	TypeEventAdded          MessageType = "event_added"
	TypeEventUpdated        MessageType = "event_updated"
	TypeEventDeleted        MessageType = "event_deleted"
)

var knownTypes = map[MessageType]struct{}{
	TypeChatMessage:         {},
	TypeSyncHistory:         {},
	TypeGetOffers:           {},
	TypeUpdateOfferStatus:   {},
	TypeGetSchedule:         {},
	TypeAddEvent:            {},
	TypeUpdateEvent:         {},
	TypeDeleteEvent:         {},
	TypeGetStatus:           {},
	TypeBotResponse:         {},
	TypeChatAnswer:          {},
	TypeConversationHistory: {},
	TypeSystemMessage:       {},
	TypeOpenTab:             {},
	TypeError:               {},
	TypeOffersData:          {},
	TypeOfferStatusUpdated:  {},
	TypeScheduleData:        {},
	TypeEventAdded:          {},
	TypeEventUpdated:        {},
	TypeEventDeleted:        {},
}

func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Chat reports whether the type carries user-visible chat content.
// Only chat content is subject to deduplication; structural messages
// such as status changes and snapshots never are.
func (t MessageType) Chat() bool {
	switch t {
	case TypeChatMessage, TypeBotResponse, TypeChatAnswer:
		return true
	}
	return false
}

// MutationAck reports whether the type acknowledges an entity
// mutation. A successful ack triggers a full-collection re-fetch.
func (t MessageType) MutationAck() bool {
	switch t {
	case TypeOfferStatusUpdated, TypeEventAdded, TypeEventUpdated, TypeEventDeleted:
		return true
	}
	return false
}

// OfferStatus is deliberately loose: any status may follow any other.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferCompleted OfferStatus = "completed"
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferDeclined, OfferCompleted:
		return true
	}
	return false
}

type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Priority    int       `json:"priority,omitempty"`
}

// Validate enforces the creation-time invariants: a positive time
// range and a priority inside 1..5 (zero means unset and is defaulted
// to 3). Loaded events are not re-validated.
func (e *CalendarEvent) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return ErrInvalidInput
	}
	if !e.StartTime.Before(e.EndTime) {
		return ErrInvalidTimeRange
	}
	if e.Priority == 0 {
		e.Priority = 3
	}
	if e.Priority < 1 || e.Priority > 5 {
		return ErrInvalidInput
	}
	return nil
}

type Offer struct {
	OfferID       string      `json:"offer_id"`
	JobTitle      string      `json:"job_title,omitempty"`
	ClientName    string      `json:"client_name,omitempty"`
	ClientCompany string      `json:"client_company,omitempty"`
	ClientContact string      `json:"client_contact,omitempty"`
	DateTime      string      `json:"date_time,omitempty"`
	Location      string      `json:"location,omitempty"`
	Status        OfferStatus `json:"status"`
	Description   string      `json:"description,omitempty"`
	SourceURL     string      `json:"source_url,omitempty"`
	CreatedAt     string      `json:"created_at,omitempty"`
	PaymentTerms  string      `json:"payment_terms,omitempty"`
	Requirements  string      `json:"requirements,omitempty"`
	Duration      string      `json:"duration,omitempty"`
}

type HistoryItem struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"client_id,omitempty"`
}

// Envelope is the unit exchanged over the transport channel. One
// struct covers every message type; unused fields are omitted on the
// wire. Envelopes are immutable once constructed.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`

	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`

	OfferID string      `json:"offer_id,omitempty"`
	Status  OfferStatus `json:"status,omitempty"`
	Success *bool       `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`

	Event     *CalendarEvent  `json:"event,omitempty"`
	EventID   string          `json:"id,omitempty"`
	Events    []CalendarEvent `json:"events,omitempty"`
	Offers    []Offer         `json:"offers,omitempty"`
	History   []HistoryItem   `json:"history,omitempty"`
	Conflicts []CalendarEvent `json:"conflicts,omitempty"`

	TotalCount int `json:"total_count,omitempty"`
}

// New builds an envelope of the given type stamped with the current
// wall clock in milliseconds.
func New(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UnixMilli()}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame. A parse failure is a protocol failure;
// an unknown type is NOT an error here so the router can log and drop
// it explicitly.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, ErrMalformed
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// Ok reports whether an acknowledgment envelope carries success=true.
func (e Envelope) Ok() bool {
	return e.Success != nil && *e.Success
}

// BoolPtr is a convenience for building acknowledgment envelopes.
func BoolPtr(v bool) *bool {
	return &v
}
