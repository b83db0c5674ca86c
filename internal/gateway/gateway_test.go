package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/auth"
	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
)

type stubUsers struct {
	storage.UserRepository
	byName map[string]models.User
	err    error
	// changed overrides what Get returns for an id after the credential
	// check; a nil entry means the user is gone.
	changed map[int64]*models.User
}

func (s stubUsers) Get(_ context.Context, id int64) (models.User, error) {
	if s.err != nil {
		return models.User{}, s.err
	}
	if u, ok := s.changed[id]; ok {
		if u == nil {
			return models.User{}, storage.ErrNotFound
		}
		return *u, nil
	}
	for _, u := range s.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (s stubUsers) FindByUsername(_ context.Context, username string) (models.User, error) {
	if s.err != nil {
		return models.User{}, s.err
	}
	u, ok := s.byName[username]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return u, nil
}

type capturePublisher struct {
	mu   sync.Mutex
	err  error
	sent []bus.Envelope
}

func (p *capturePublisher) Publish(_ context.Context, env bus.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, env)
	return nil
}

type harness struct {
	svc       *Service
	revoker   *SessionRevoker
	tokens    *cache.TokenStore
	snapshots *cache.SnapshotStore
	signer    *auth.TokenManager
	mr        *miniredis.Miniredis
	pub       *capturePublisher
	users     map[string]models.User
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := map[string]models.User{
		"alice": {ID: 1, Username: "alice", PasswordHash: mustHash(t, "pw1")},
		"bob":   {ID: 2, Username: "bob", PasswordHash: mustHash(t, "pw2")},
	}
	tokens := cache.NewTokenStore(rdb)
	snapshots := cache.NewSnapshotStore(rdb)
	signer := auth.NewTokenManager("test-secret", "usersync-auth", time.Hour)
	pub := &capturePublisher{}

	return &harness{
		svc:       NewService(stubUsers{byName: users}, tokens, signer, pub, time.Second, logging.Discard()),
		revoker:   NewSessionRevoker(tokens, snapshots, signer, logging.Discard()),
		tokens:    tokens,
		snapshots: snapshots,
		signer:    signer,
		mr:        mr,
		pub:       pub,
		users:     users,
	}
}

func TestLogin_StoresTokenWithTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	live, err := h.tokens.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, token, live)
	assert.Equal(t, time.Hour, h.mr.TTL(cache.TokenKey("alice")))

	claims, err := h.signer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.User)
	assert.Equal(t, "1", claims.Subject)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, wrongPassword := h.svc.Login(ctx, "alice", "wrong")
	_, unknownUser := h.svc.Login(ctx, "nobody", "pw1")

	require.ErrorIs(t, wrongPassword, apperr.ErrInvalidCredentials)
	require.ErrorIs(t, unknownUser, apperr.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	assert.False(t, h.mr.Exists(cache.TokenKey("alice")))
}

func TestLogin_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Login(context.Background(), "", "pw")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLogin_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.svc.users = stubUsers{err: connLost{}}
	h.svc.retry.InitialInterval = time.Millisecond
	h.svc.retry.MaxInterval = time.Millisecond

	_, err := h.svc.Login(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

type connLost struct{}

func (connLost) Error() string     { return "connection refused" }
func (connLost) SafeToRetry() bool { return true }

func TestLogin_CacheUnavailable(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	_, err := h.svc.Login(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestTokenOverwrite_LaterLoginWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	second, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = h.svc.Authenticate(ctx, first)
	assert.ErrorIs(t, err, apperr.ErrNotLoggedIn)
	name, err := h.svc.Authenticate(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	// The superseded token cannot end the newer session.
	assert.ErrorIs(t, h.svc.Logout(ctx, first), apperr.ErrNotLoggedIn)
	require.NoError(t, h.svc.Logout(ctx, second))
	assert.False(t, h.mr.Exists(cache.TokenKey("alice")))
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.Logout(ctx, ""), apperr.ErrInvalidToken)
	assert.ErrorIs(t, h.svc.Logout(ctx, "not-a-jwt"), apperr.ErrInvalidToken)

	forged, err := auth.NewTokenManager("other-secret", "usersync-auth", time.Hour).
		Generate(models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.Logout(ctx, forged), apperr.ErrInvalidToken)

	token, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NoError(t, h.svc.Logout(ctx, token))
	assert.ErrorIs(t, h.svc.Logout(ctx, token), apperr.ErrNotLoggedIn)
}

func TestExpiredTokenIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expired, err := auth.NewTokenManager("test-secret", "usersync-auth", -time.Minute).
		Generate(models.User{ID: 1, Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, h.tokens.Put(ctx, "alice", expired, time.Hour))

	_, err = h.svc.Authenticate(ctx, expired)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	err = h.svc.Logout(ctx, expired)
	require.ErrorIs(t, err, apperr.ErrInvalidToken)
	assert.NotErrorIs(t, err, apperr.ErrNotLoggedIn)
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
}

func TestLogin_UserChangedDuringLogin(t *testing.T) {
	renamed := models.User{ID: 1, Username: "alicia"}
	cases := map[string]*models.User{
		"deleted": nil,
		"renamed": &renamed,
	}
	for name, current := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.svc.users = stubUsers{byName: h.users, changed: map[int64]*models.User{1: current}}

			_, err := h.svc.Login(context.Background(), "alice", "pw1")
			assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
			assert.False(t, h.mr.Exists(cache.TokenKey("alice")))
		})
	}
}

func TestSendAuthenticated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendAuthenticated(ctx, "alice", "hi")
	require.ErrorIs(t, err, apperr.ErrNotLoggedIn)
	assert.Empty(t, h.pub.sent)

	_, err = h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	msg, err := h.svc.SendAuthenticated(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Hello from alice", msg.Body)

	msg, err = h.svc.SendAuthenticated(ctx, "alice", "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", msg.Body)

	require.Len(t, h.pub.sent, 2)
	env := h.pub.sent[1]
	assert.Equal(t, MessageType, env.Type)
	assert.NotEmpty(t, env.MessageID)
	decoded, err := events.DecodeMessage(env.Body)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.From)
	assert.Equal(t, "custom", decoded.Body)
}

func TestSendAuthenticated_BrokerDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	h.pub.err = errors.New("channel closed")
	_, err = h.svc.SendAuthenticated(ctx, "alice", "hi")
	assert.ErrorIs(t, err, apperr.ErrBrokerUnavailable)
}

func TestRevoker_DeleteRevokesLiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := events.UserSnapshot{ID: 1, Username: "alice"}

	require.NoError(t, h.revoker.Created(ctx, alice))
	token, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, h.revoker.Deleted(ctx, alice))
	_, err = h.svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotLoggedIn)
	snap, err := h.snapshots.Load(ctx, 1)
	require.NoError(t, err)
	assert.True(t, snap.Deleted)

	// Redelivery is harmless.
	require.NoError(t, h.revoker.Deleted(ctx, alice))
}

func TestRevoker_DeleteKeepsSessionOfNewOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// "bob" (id 2) now holds a session; a late delete for a former "bob" (id 9) arrives.
	token, err := h.svc.Login(ctx, "bob", "pw2")
	require.NoError(t, err)

	require.NoError(t, h.revoker.Deleted(ctx, events.UserSnapshot{ID: 9, Username: "bob"}))
	name, err := h.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
}

func TestRevoker_RenameRevokesOldSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.revoker.Created(ctx, events.UserSnapshot{ID: 1, Username: "alice"}))
	token, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	renamed := events.UserSnapshot{ID: 1, Username: "alicia"}
	require.NoError(t, h.revoker.Updated(ctx, renamed))
	_, err = h.svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrNotLoggedIn)

	name, err := h.snapshots.Username(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alicia", name)

	// A stale create never overwrites the newer snapshot.
	require.NoError(t, h.revoker.Created(ctx, events.UserSnapshot{ID: 1, Username: "alice"}))
	name, err = h.snapshots.Username(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alicia", name)
}

func TestRevoker_StaleUpdateKeepsCurrentSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.users["c"] = models.User{ID: 1, Username: "c", PasswordHash: mustHash(t, "pw1")}
	h.svc.users = stubUsers{byName: map[string]models.User{"c": h.users["c"]}}

	require.NoError(t, h.revoker.Created(ctx, events.UserSnapshot{ID: 1, Username: "a", Version: 1}))
	require.NoError(t, h.revoker.Updated(ctx, events.UserSnapshot{ID: 1, Username: "c", Version: 3}))
	token, err := h.svc.Login(ctx, "c", "pw1")
	require.NoError(t, err)

	// The update to version 2 was held back and arrives last.
	require.NoError(t, h.revoker.Updated(ctx, events.UserSnapshot{ID: 1, Username: "b", Version: 2}))

	name, err := h.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "c", name)
	snap, err := h.snapshots.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, cache.Snapshot{Username: "c", Version: 3}, snap)
}

func TestRevoker_LateUpdateAfterDeleteIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.revoker.Created(ctx, events.UserSnapshot{ID: 1, Username: "alice", Version: 1}))
	require.NoError(t, h.revoker.Deleted(ctx, events.UserSnapshot{ID: 1, Username: "alice", Version: 2}))
	require.NoError(t, h.revoker.Updated(ctx, events.UserSnapshot{ID: 1, Username: "alicia", Version: 2}))

	name, err := h.snapshots.Username(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestRevoker_PasswordChangeKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := events.UserSnapshot{ID: 1, Username: "alice"}

	require.NoError(t, h.revoker.Created(ctx, alice))
	token, err := h.svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	require.NoError(t, h.revoker.Updated(ctx, alice))
	_, err = h.svc.Authenticate(ctx, token)
	assert.NoError(t, err)
}

func TestRevoker_CacheDownIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	err := h.revoker.Deleted(context.Background(), events.UserSnapshot{ID: 1, Username: "alice"})
	require.Error(t, err)
	assert.False(t, apperr.IsPermanent(err))
}
