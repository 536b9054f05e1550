package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the "type" tag of a websocket envelope.
type EventType string

// Server -> client tags.
const (
	TypeConnectionAck    EventType = "connection-ack"
	TypeError            EventType = "error"
	TypeChatMessage      EventType = "chat-message"
	TypeChatTyping       EventType = "chat-typing"
	TypeChatStopTyping   EventType = "chat-stop-typing"
	TypeChatRead         EventType = "chat-read"
	TypeParticipantAdded EventType = "chat-participant-added"
	TypeParticipantLeft  EventType = "chat-participant-left"
	TypeNotification     EventType = "notification"
	TypeUserOnline       EventType = "user-online"
	TypeUserOffline      EventType = "user-offline"
)

// Client -> server tags.
const (
	TypeHeartbeat EventType = "heartbeat"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the closed set of payloads the server pushes. Only types
// in this package can implement it.
type ServerEvent interface {
	EventType() EventType
	serverEvent()
}

type ConnectionAck struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	ServerTime   time.Time `json:"serverTime"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChatMessageEvent struct {
	Message  ChatMessage `json:"message"`
	ChatType ChatType    `json:"chatType"`
	ChatName string      `json:"chatName,omitempty"`
}

// TypingEvent is sent as chat-typing or chat-stop-typing depending on Typing.
type TypingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"-"`
}

type ChatReadEvent struct {
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	MessageID int64     `json:"messageId,string"`
	ReadAt    time.Time `json:"readAt"`
}

type ParticipantAddedEvent struct {
	ChatID  string `json:"chatId"`
	UserID  string `json:"userId"`
	AddedBy string `json:"addedBy"`
}

type ParticipantLeftEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type NotificationEvent struct {
	Notification Notification `json:"notification"`
}

// PresenceEvent is sent as user-online or user-offline depending on Online.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Online bool      `json:"-"`
	At     time.Time `json:"at"`
}

func (ConnectionAck) EventType() EventType         { return TypeConnectionAck }
func (ErrorEvent) EventType() EventType            { return TypeError }
func (ChatMessageEvent) EventType() EventType      { return TypeChatMessage }
func (ChatReadEvent) EventType() EventType         { return TypeChatRead }
func (ParticipantAddedEvent) EventType() EventType { return TypeParticipantAdded }
func (ParticipantLeftEvent) EventType() EventType  { return TypeParticipantLeft }
func (NotificationEvent) EventType() EventType     { return TypeNotification }

func (e TypingEvent) EventType() EventType {
	if e.Typing {
		return TypeChatTyping
	}
	return TypeChatStopTyping
}

func (e PresenceEvent) EventType() EventType {
	if e.Online {
		return TypeUserOnline
	}
	return TypeUserOffline
}

func (ConnectionAck) serverEvent()         {}
func (ErrorEvent) serverEvent()            {}
func (ChatMessageEvent) serverEvent()      {}
func (TypingEvent) serverEvent()           {}
func (ChatReadEvent) serverEvent()         {}
func (ParticipantAddedEvent) serverEvent() {}
func (ParticipantLeftEvent) serverEvent()  {}
func (NotificationEvent) serverEvent()     {}
func (PresenceEvent) serverEvent()         {}

// Encode wraps a server event in an envelope and marshals it.
func Encode(ev ServerEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Payload: payload})
}

// ClientEvent is the closed set of frames a client may send.
type ClientEvent interface {
	clientEvent()
}

type Heartbeat struct{}

// TypingCommand is chat-typing / chat-stop-typing sent by a client.
type TypingCommand struct {
	ChatID string `json:"chatId"`
	Typing bool   `json:"-"`
}

func (Heartbeat) clientEvent()     {}
func (TypingCommand) clientEvent() {}

var ErrUnknownEvent = errors.New("unknown event type")

// DecodeClient parses an inbound frame into one of the client events.
func DecodeClient(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeChatTyping, TypeChatStopTyping:
		var cmd TypingCommand
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
			}
		}
		if cmd.ChatID == "" {
			return nil, fmt.Errorf("%s: chatId is required", env.Type)
		}
		cmd.Typing = env.Type == TypeChatTyping
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}
