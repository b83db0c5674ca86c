// Package events defines the payloads carried by the broker: user lifecycle
// events on the user_events exchange and session-gated messages on the
// user_messages queue.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/usersync/internal/models"
)

// Action names a lifecycle transition of a directory user.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ContentType is the AMQP content type of every payload in this package.
const ContentType = "application/json"

var ErrMalformed = errors.New("malformed event")

// ErrUnknownAction is returned for well-formed events whose action this
// build does not know. Consumers skip them rather than treat them as poison.
var ErrUnknownAction = errors.New("unknown event action")

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// UserSnapshot is the public part of a user copied into events. Version is
// the directory row version the event was produced from; zero means the
// producer did not track one.
type UserSnapshot struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Version  int64  `json:"version,omitempty"`
}

// LifecycleEvent records a committed directory mutation. It is immutable once
// published.
type LifecycleEvent struct {
	Action Action       `json:"action"`
	User   UserSnapshot `json:"user"`
}

// NewLifecycleEvent snapshots the public fields of user.
func NewLifecycleEvent(action Action, user models.User) LifecycleEvent {
	return LifecycleEvent{
		Action: action,
		User:   UserSnapshot{ID: user.ID, Username: user.Username, Version: user.Version},
	}
}

func (e LifecycleEvent) validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, e.Action)
	}
	if e.User.ID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrMalformed)
	}
	if strings.TrimSpace(e.User.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrMalformed)
	}
	if e.User.Version < 0 {
		return fmt.Errorf("%w: version must not be negative", ErrMalformed)
	}
	return nil
}

// Encode validates and serializes e.
func (e LifecycleEvent) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeLifecycle parses a delivered body. Errors wrap ErrMalformed, or
// ErrUnknownAction when only the action is unrecognized.
func DecodeLifecycle(body []byte) (LifecycleEvent, error) {
	var evt LifecycleEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return LifecycleEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !evt.Action.Valid() {
		return evt, fmt.Errorf("%w: %q", ErrUnknownAction, evt.Action)
	}
	if err := evt.validate(); err != nil {
		return LifecycleEvent{}, err
	}
	return evt, nil
}

// Message is a payload published under an authenticated identity.
type Message struct {
	From   string    `json:"from"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Encode serializes m.
func (m Message) Encode() ([]byte, error) {
	if strings.TrimSpace(m.From) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrMalformed)
	}
	return json.Marshal(m)
}

// DecodeMessage parses a delivered message body.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(msg.From) == "" {
		return Message{}, fmt.Errorf("%w: sender is required", ErrMalformed)
	}
	return msg, nil
}
