package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lastMessageKey = "last_message"

// TombstoneTTL is how long a deleted user's snapshot keeps rejecting late
// create and update events.
const TombstoneTTL = 7 * 24 * time.Hour

// applySnapshot writes a user snapshot unless the stored one is at least as
// new. KEYS[1] is the snapshot hash; ARGV is username, version, kind
// (create, update or delete) and the tombstone TTL in milliseconds.
// Version 0 means unversioned: a create then only fills an empty slot and an
// update always applies. A tombstone rejects everything. Returns 1 when the
// snapshot changed.
var applySnapshot = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "username", "version", "deleted")
if cur[3] == "1" then
	return 0
end
local version = tonumber(ARGV[2])
local known = tonumber(cur[2] or "0")
if ARGV[3] == "create" then
	if cur[1] and (version == 0 or version <= known) then
		return 0
	end
elseif ARGV[3] == "update" then
	if version > 0 and version <= known then
		return 0
	end
end
if ARGV[3] == "delete" then
	redis.call("DEL", KEYS[1])
	redis.call("HSET", KEYS[1], "username", ARGV[1], "version", ARGV[2], "deleted", "1")
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
else
	redis.call("HSET", KEYS[1], "username", ARGV[1], "version", ARGV[2])
end
return 1
`)

// Snapshot is the event-derived view of one directory user.
type Snapshot struct {
	Username string
	Version  int64
	Deleted  bool
}

// Known reports whether any event for the user has been applied.
func (s Snapshot) Known() bool {
	return s.Username != ""
}

// Covers reports whether an event carrying version is already reflected by
// s, so applying it again would move the user back in time.
func (s Snapshot) Covers(version int64) bool {
	return s.Deleted || (version > 0 && version <= s.Version)
}

// SnapshotStore keeps the event-derived copy of id -> username that lets the
// auth side find the previous username of a renamed or deleted user. Writes
// are ordered by the directory's row version, so late events are ignored.
type SnapshotStore struct {
	rdb          redis.Cmdable
	tombstoneTTL time.Duration
}

func NewSnapshotStore(rdb redis.Cmdable) *SnapshotStore {
	return &SnapshotStore{rdb: rdb, tombstoneTTL: TombstoneTTL}
}

func snapshotKey(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}

// Load returns the snapshot of id; the zero Snapshot when none is known.
func (s *SnapshotStore) Load(ctx context.Context, id int64) (Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, snapshotKey(id)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %d: %w", id, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, nil
	}
	snap := Snapshot{Username: fields["username"], Deleted: fields["deleted"] == "1"}
	if v := fields["version"]; v != "" {
		if snap.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("load snapshot %d: bad version %q", id, v)
		}
	}
	return snap, nil
}

// Username returns the recorded username for id, or "" when none is known
// or the user was deleted.
func (s *SnapshotStore) Username(ctx context.Context, id int64) (string, error) {
	snap, err := s.Load(ctx, id)
	if err != nil || snap.Deleted {
		return "", err
	}
	return snap.Username, nil
}

// Init records a created user unless a newer snapshot already exists.
func (s *SnapshotStore) Init(ctx context.Context, id int64, username string, version int64) (bool, error) {
	return s.apply(ctx, id, username, version, "create")
}

// Set records an updated user unless the stored snapshot is newer.
func (s *SnapshotStore) Set(ctx context.Context, id int64, username string, version int64) (bool, error) {
	return s.apply(ctx, id, username, version, "update")
}

// Delete replaces the snapshot with a tombstone that expires after the
// tombstone TTL.
func (s *SnapshotStore) Delete(ctx context.Context, id int64, username string, version int64) (bool, error) {
	return s.apply(ctx, id, username, version, "delete")
}

func (s *SnapshotStore) apply(ctx context.Context, id int64, username string, version int64, kind string) (bool, error) {
	n, err := applySnapshot.Run(ctx, s.rdb, []string{snapshotKey(id)},
		username, version, kind, s.tombstoneTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%s snapshot %d: %w", kind, id, err)
	}
	return n == 1, nil
}

// LastMessageStore holds the most recent message delivered to the directory.
type LastMessageStore struct {
	rdb redis.Cmdable
}

func NewLastMessageStore(rdb redis.Cmdable) *LastMessageStore {
	return &LastMessageStore{rdb: rdb}
}

// Set overwrites the last message.
func (s *LastMessageStore) Set(ctx context.Context, body string) error {
	if err := s.rdb.Set(ctx, lastMessageKey, body, 0).Err(); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

// Get returns the last message and whether one has been recorded.
func (s *LastMessageStore) Get(ctx context.Context) (string, bool, error) {
	body, err := s.rdb.Get(ctx, lastMessageKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get last message: %w", err)
	}
	return body, true, nil
}
