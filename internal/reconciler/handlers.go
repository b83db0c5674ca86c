package reconciler

import (
	"context"

	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/events"
)

// SnapshotFunc applies one lifecycle action for a user.
type SnapshotFunc func(ctx context.Context, user events.UserSnapshot) error

// LifecycleHandlers holds one handler per action. A nil handler means the
// action needs no local side effect.
type LifecycleHandlers struct {
	Create SnapshotFunc
	Update SnapshotFunc
	Delete SnapshotFunc
}

// Lifecycle decodes lifecycle events and dispatches them by action.
func Lifecycle(h LifecycleHandlers) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		evt, err := events.DecodeLifecycle(body)
		if err != nil {
			return err
		}
		var fn SnapshotFunc
		switch evt.Action {
		case events.ActionCreate:
			fn = h.Create
		case events.ActionUpdate:
			fn = h.Update
		case events.ActionDelete:
			fn = h.Delete
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, evt.User)
	}
}

// Messages decodes session-gated messages and passes them to fn.
func Messages(fn func(ctx context.Context, msg events.Message) error) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		msg, err := events.DecodeMessage(body)
		if err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}

// RecordLastMessage keeps the body of the latest message in store.
func RecordLastMessage(store *cache.LastMessageStore) func(context.Context, events.Message) error {
	return func(ctx context.Context, msg events.Message) error {
		return store.Set(ctx, msg.Body)
	}
}
