package realtime

import (
	"time"

	"github.com/mschirtzinger/livequery/internal/source"
	"github.com/mschirtzinger/livequery/internal/tree"
)

// RequestType is the operation a client asks for.
type RequestType string

const (
	// RequestGet reads a location once
	RequestGet RequestType = "get"

	// RequestSubscribe starts streaming snapshots of a location
	RequestSubscribe RequestType = "subscribe"

	// RequestUnsubscribe stops a subscription started with the same id
	RequestUnsubscribe RequestType = "unsubscribe"

	// RequestSet replaces the value at a location
	RequestSet RequestType = "set"

	// RequestPush appends a child with a generated key
	RequestPush RequestType = "push"

	// RequestRemove deletes a location
	RequestRemove RequestType = "remove"
)

// MessageType defines the type of server message
type MessageType string

const (
	// MessageTypeSnapshot carries the value of a location
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeError reports a failed request or subscription
	MessageTypeError MessageType = "error"

	// MessageTypeOK acknowledges a write or unsubscribe
	MessageTypeOK MessageType = "ok"
)

// Request is sent from client to server. ID is chosen by the client and
// echoed in every reply; for subscriptions it names the subscription.
type Request struct {
	ID    uint64      `json:"id"`
	Type  RequestType `json:"type"`
	Path  string      `json:"path"`
	Value any         `json:"value,omitempty"`
}

// Message is sent from server to client.
type Message struct {
	ID        uint64      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	// Path is the location of a snapshot, or the new location of a push.
	Path string `json:"path,omitempty"`

	// Node is the ordered subtree of a snapshot; nil when the location is
	// empty.
	Node *tree.Node `json:"node,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func snapshotMessage(id uint64, snap *tree.Snapshot) Message {
	return Message{
		ID:        id,
		Type:      MessageTypeSnapshot,
		Timestamp: time.Now(),
		Path:      snap.TreeRef().Path(),
		Node:      snap.Node(),
	}
}

func errorMessage(id uint64, err error) Message {
	return Message{
		ID:        id,
		Type:      MessageTypeError,
		Timestamp: time.Now(),
		Code:      source.CodeOf(err).String(),
		Error:     err.Error(),
	}
}

var codes = []source.Code{
	source.CodeInternal,
	source.CodePermissionDenied,
	source.CodeNotFound,
	source.CodeUnavailable,
	source.CodeInvalidReference,
}

func parseCode(s string) source.Code {
	for _, c := range codes {
		if c.String() == s {
			return c
		}
	}
	return source.CodeInternal
}
