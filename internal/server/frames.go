// Package server defines the JSON frame types exchanged over a chat
// connection and helpers to build the canonical wire encodings.
package server

import (
	"encoding/json"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Frame type discriminators shared by both directions of the protocol.
const (
	frameTypeUsername = "username"
	frameTypeMessage  = "message"
	frameTypeAck      = "ack"
	frameTypeError    = "error"
	frameTypeHistory  = "history"
)

// Acknowledgment statuses carried by ack frames.
const (
	ackUsernameSet = "username_set"
	ackMessageSent = "message_sent"
)

// InboundFrame is a parsed client-submitted payload. The set of populated
// fields depends on Type: a "username" frame carries only Username, a
// "message" frame carries Username, Message and Timestamp.
type InboundFrame struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AckFrame acknowledges a processed frame back to the originating client.
type AckFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorFrame reports a per-frame failure to the originating client only.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageFrame carries a persisted message to every open connection.
type MessageFrame struct {
	Type    string              `json:"type"`
	Message store.StoredMessage `json:"message"`
}

// HistoryFrame replays recent messages to a connection that just joined.
type HistoryFrame struct {
	Type     string                `json:"type"`
	Messages []store.StoredMessage `json:"messages"`
}

func encodeAck(status, messageID string) ([]byte, error) {
	return json.Marshal(AckFrame{Type: frameTypeAck, Status: status, MessageID: messageID})
}

func encodeError(message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: frameTypeError, Message: message})
}

func encodeMessage(msg store.StoredMessage) ([]byte, error) {
	return json.Marshal(MessageFrame{Type: frameTypeMessage, Message: msg})
}

func encodeHistory(messages []store.StoredMessage) ([]byte, error) {
	if messages == nil {
		messages = []store.StoredMessage{}
	}
	return json.Marshal(HistoryFrame{Type: frameTypeHistory, Messages: messages})
}
