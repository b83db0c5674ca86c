package directory

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
	"github.com/hongminglow/usersync/internal/storage/storagetest"
)

// recordingDispatcher checks that nothing is dispatched before the
// transaction that staged it has committed.
type recordingDispatcher struct {
	mock        sqlmock.Sqlmock
	staged      []events.LifecycleEvent
	dispatched  []events.LifecycleEvent
	committed   []bool
	stageErr    error
	dispatchErr error
	byEntry     map[int64]events.LifecycleEvent
}

func (d *recordingDispatcher) Stage(_ context.Context, tx dbx.DBTX, evt events.LifecycleEvent) (storage.OutboxEntry, error) {
	if _, ok := tx.(*sql.Tx); !ok {
		return storage.OutboxEntry{}, errors.New("stage outside transaction")
	}
	if d.stageErr != nil {
		return storage.OutboxEntry{}, d.stageErr
	}
	if d.byEntry == nil {
		d.byEntry = map[int64]events.LifecycleEvent{}
	}
	d.staged = append(d.staged, evt)
	id := int64(len(d.staged))
	d.byEntry[id] = evt
	return storage.OutboxEntry{ID: id, EventID: uuid.New(), Action: string(evt.Action)}, nil
}

func (d *recordingDispatcher) Dispatch(_ context.Context, entry storage.OutboxEntry) error {
	d.committed = append(d.committed, d.mock.ExpectationsWereMet() == nil)
	d.dispatched = append(d.dispatched, d.byEntry[entry.ID])
	return d.dispatchErr
}

type fixture struct {
	svc        *Service
	mock       sqlmock.Sqlmock
	users      *storagetest.Users
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := storagetest.NewUsers()
	dispatcher := &recordingDispatcher{mock: mock}
	svc := NewService(db, &storagetest.Manager{UserRepo: users}, dispatcher, logging.Discard())
	svc.hash = func(p string) (string, error) {
		h, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.MinCost)
		return string(h), err
	}
	svc.retry = dbx.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return &fixture{svc: svc, mock: mock, users: users, dispatcher: dispatcher}
}

func (f *fixture) expectTx() {
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
}

type connLost struct{}

func (connLost) Error() string     { return "connection reset by peer" }
func (connLost) SafeToRetry() bool { return true }

func TestCreate_CommitsThenPublishes(t *testing.T) {
	f := newFixture(t)
	f.expectTx()

	user, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, "alice", user.Username)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("pw1")))

	require.Len(t, f.dispatcher.dispatched, 1)
	assert.Equal(t, events.LifecycleEvent{
		Action: events.ActionCreate,
		User:   events.UserSnapshot{ID: 1, Username: "alice", Version: 1},
	}, f.dispatcher.dispatched[0])
	assert.Equal(t, []bool{true}, f.dispatcher.committed, "event dispatched before commit")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_SucceedsWhenDispatchFails(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.dispatchErr = apperr.ErrBrokerUnavailable
	f.expectTx()

	user, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Len(t, f.dispatcher.dispatched, 1)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string][2]string{
		"empty username":    {"", "pw"},
		"leading space":     {" alice", "pw"},
		"trailing space":    {"alice ", "pw"},
		"too long":          {strings.Repeat("a", models.MaxUsernameLength+1), "pw"},
		"empty password":    {"alice", ""},
		"password too long": {"alice", strings.Repeat("p", 73)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc[0], tc[1])
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Empty(t, f.dispatcher.staged)
}

func TestCreate_AcceptsMultibyteUsernameAtLimit(t *testing.T) {
	f := newFixture(t)
	f.expectTx()

	name := strings.Repeat("é", models.MaxUsernameLength)
	user, err := f.svc.Create(context.Background(), name, "pw")
	require.NoError(t, err)
	assert.Equal(t, name, user.Username)
}

func TestCreate_DuplicateLeavesFirstUnchanged(t *testing.T) {
	f := newFixture(t)
	f.expectTx()
	first, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.svc.Create(context.Background(), "alice", "pw2")
	require.ErrorIs(t, err, apperr.ErrDuplicateUsername)

	got, err := f.svc.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PasswordHash, got.PasswordHash)
	assert.Len(t, f.dispatcher.dispatched, 1)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_RetriesTransientStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.users.FailNext(connLost{})
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	f.expectTx()

	_, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.users.FailNext(connLost{}, connLost{}, connLost{})
	for range 3 {
		f.mock.ExpectBegin()
		f.mock.ExpectRollback()
	}

	_, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.HTTPStatus(err))
	assert.Empty(t, f.dispatcher.dispatched)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_StageFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.stageErr = errors.New("outbox insert failed")
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.Error(t, err)
	assert.Empty(t, f.dispatcher.dispatched)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), 999999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, "not_found", apperr.Reason(err))

	_, err = f.svc.Get(context.Background(), 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c"} {
		f.expectTx()
		_, err := f.svc.Create(context.Background(), name, "pw")
		require.NoError(t, err)
	}

	users, err := f.svc.List(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "b", users[0].Username)

	users, err = f.svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestNormalizePage(t *testing.T) {
	offset, limit := NormalizePage(-5, 0)
	assert.Equal(t, 0, offset)
	assert.Equal(t, DefaultListLimit, limit)

	_, limit = NormalizePage(0, 1000)
	assert.Equal(t, MaxListLimit, limit)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.expectTx()
	alice, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	f.expectTx()
	_, err = f.svc.Create(context.Background(), "bob", "pw")
	require.NoError(t, err)

	_, err = f.svc.Update(context.Background(), alice.ID, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad := " alice"
	_, err = f.svc.Update(context.Background(), alice.ID, &bad, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	taken := "bob"
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.svc.Update(context.Background(), alice.ID, &taken, nil)
	assert.ErrorIs(t, err, apperr.ErrDuplicateUsername)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	newName := "alicia"
	_, err = f.svc.Update(context.Background(), 42, &newName, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.expectTx()
	newPassword := "pw2"
	updated, err := f.svc.Update(context.Background(), alice.ID, &newName, &newPassword)
	require.NoError(t, err)
	assert.Equal(t, "alicia", updated.Username)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("pw2")))

	last := f.dispatcher.dispatched[len(f.dispatcher.dispatched)-1]
	assert.Equal(t, events.ActionUpdate, last.Action)
	assert.Equal(t, "alicia", last.User.Username)
	assert.Equal(t, int64(2), last.User.Version)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDelete_PublishesFormerSnapshot(t *testing.T) {
	f := newFixture(t)
	f.expectTx()
	alice, err := f.svc.Create(context.Background(), "alice", "pw1")
	require.NoError(t, err)

	f.expectTx()
	deleted, err := f.svc.Delete(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, deleted.ID)

	last := f.dispatcher.dispatched[len(f.dispatcher.dispatched)-1]
	assert.Equal(t, events.LifecycleEvent{
		Action: events.ActionDelete,
		User:   events.UserSnapshot{ID: alice.ID, Username: "alice", Version: 1},
	}, last)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.svc.Delete(context.Background(), alice.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
