package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/usersync/internal/models"
)

func TestLifecycleEvent_WireFormat(t *testing.T) {
	evt := NewLifecycleEvent(ActionDelete, models.User{ID: 7, Username: "alice", PasswordHash: "secret-hash"})

	body, err := evt.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"delete","user":{"id":7,"username":"alice"}}`, string(body))
	assert.NotContains(t, string(body), "secret-hash")

	versioned, err := NewLifecycleEvent(ActionUpdate, models.User{ID: 7, Username: "alicia", Version: 3}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"update","user":{"id":7,"username":"alicia","version":3}}`, string(versioned))
}

func TestDecodeLifecycle(t *testing.T) {
	evt, err := DecodeLifecycle([]byte(`{"action":"update","user":{"id":3,"username":"bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, LifecycleEvent{Action: ActionUpdate, User: UserSnapshot{ID: 3, Username: "bob"}}, evt)
}

func TestDecodeLifecycle_Malformed(t *testing.T) {
	bodies := map[string]string{
		"not json":       `Hello from alice`,
		"missing id":     `{"action":"create","user":{"username":"a"}}`,
		"blank username": `{"action":"create","user":{"id":1,"username":"  "}}`,
		"bad version":    `{"action":"update","user":{"id":1,"username":"a","version":-1}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeLifecycle([]byte(body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeLifecycle_UnknownAction(t *testing.T) {
	evt, err := DecodeLifecycle([]byte(`{"action":"rename","user":{"id":1,"username":"a"}}`))
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.NotErrorIs(t, err, ErrMalformed)
	assert.Equal(t, Action("rename"), evt.Action)
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := LifecycleEvent{Action: "bogus", User: UserSnapshot{ID: 1, Username: "a"}}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Message{Body: "hi"}.Encode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"from":"alice","body":"Hello from alice","sent_at":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "Hello from alice", msg.Body)

	_, err = DecodeMessage([]byte(`{"body":"anonymous"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}
