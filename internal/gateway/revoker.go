package gateway

import (
	"context"
	"errors"

	"github.com/hongminglow/usersync/internal/auth"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
)

// SessionRevoker keeps sessions consistent with directory changes. Every
// handler is idempotent: applying the same event twice leaves the cache as
// applying it once does.
type SessionRevoker struct {
	tokens    *cache.TokenStore
	snapshots *cache.SnapshotStore
	signer    *auth.TokenManager
	logger    logging.Logger
}

func NewSessionRevoker(tokens *cache.TokenStore, snapshots *cache.SnapshotStore, signer *auth.TokenManager, logger logging.Logger) *SessionRevoker {
	return &SessionRevoker{
		tokens:    tokens,
		snapshots: snapshots,
		signer:    signer,
		logger:    logger.With("component", "session_revoker"),
	}
}

// Created records the snapshot unless a later event already did.
func (r *SessionRevoker) Created(ctx context.Context, user events.UserSnapshot) error {
	_, err := r.snapshots.Init(ctx, user.ID, user.Username, user.Version)
	return err
}

// Updated ends the session held under a previous username, then records the
// current one. An update older than the recorded snapshot is ignored: the
// newer event already revoked what needed revoking.
func (r *SessionRevoker) Updated(ctx context.Context, user events.UserSnapshot) error {
	snap, err := r.snapshots.Load(ctx, user.ID)
	if err != nil {
		return err
	}
	if snap.Covers(user.Version) {
		r.logger.Debug(ctx, "ignoring stale update", "user_id", user.ID, "version", user.Version, "known_version", snap.Version)
		return nil
	}
	if snap.Known() && snap.Username != user.Username {
		if err := r.revoke(ctx, snap.Username, user.ID); err != nil {
			return err
		}
	}
	_, err = r.snapshots.Set(ctx, user.ID, user.Username, user.Version)
	return err
}

// Deleted ends any session of the deleted user, logged out or not, and
// leaves a tombstone so late events for the user are ignored.
func (r *SessionRevoker) Deleted(ctx context.Context, user events.UserSnapshot) error {
	snap, err := r.snapshots.Load(ctx, user.ID)
	if err != nil {
		return err
	}
	if err := r.revoke(ctx, user.Username, user.ID); err != nil {
		return err
	}
	if snap.Known() && snap.Username != user.Username {
		if err := r.revoke(ctx, snap.Username, user.ID); err != nil {
			return err
		}
	}
	_, err = r.snapshots.Delete(ctx, user.ID, user.Username, user.Version)
	return err
}

// revoke removes the token stored under username if it was issued to user
// id. A token of a different user who has since taken the name stays.
func (r *SessionRevoker) revoke(ctx context.Context, username string, id int64) error {
	token, err := r.tokens.Get(ctx, username)
	if errors.Is(err, cache.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}

	if claims, err := r.signer.ParseIgnoringExpiry(token); err == nil {
		owner, err := claims.UserID()
		if err == nil && owner != id {
			r.logger.Debug(ctx, "session belongs to another user", "username", username, "user_id", id, "owner_id", owner)
			return nil
		}
	}

	removed, err := r.tokens.DeleteIfMatch(ctx, username, token)
	if err != nil {
		return err
	}
	if removed {
		r.logger.Info(ctx, "session revoked", "username", username, "user_id", id)
	}
	return nil
}
