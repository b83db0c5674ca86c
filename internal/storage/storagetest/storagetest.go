// Package storagetest provides in-memory repositories for tests of code
// built on the storage interfaces.
package storagetest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
)

// Manager hands out the same repositories for every handle, so
// transactional code sees its writes immediately. Rollbacks are not
// modelled.
type Manager struct {
	UserRepo   *Users
	OutboxRepo *Outbox
}

func NewManager() *Manager {
	return &Manager{UserRepo: NewUsers(), OutboxRepo: NewOutbox()}
}

func (m *Manager) Users(dbx.DBTX) storage.UserRepository    { return m.UserRepo }
func (m *Manager) Outbox(dbx.DBTX) storage.OutboxRepository { return m.OutboxRepo }

// Users is an in-memory storage.UserRepository.
type Users struct {
	mu   sync.Mutex
	seq  int64
	byID map[int64]models.User
	fail []error
}

func NewUsers() *Users {
	return &Users{byID: map[int64]models.User{}}
}

// FailNext makes the next calls return errs, one per call, in order.
func (u *Users) FailNext(errs ...error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fail = append(u.fail, errs...)
}

func (u *Users) injected() error {
	if len(u.fail) == 0 {
		return nil
	}
	err := u.fail[0]
	u.fail = u.fail[1:]
	return err
}

func (u *Users) taken(username string, except int64) bool {
	for id, user := range u.byID {
		if user.Username == username && id != except {
			return true
		}
	}
	return false
}

func (u *Users) Create(_ context.Context, user models.User) (models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return models.User{}, err
	}
	if u.taken(user.Username, 0) {
		return models.User{}, storage.ErrAlreadyExists
	}
	u.seq++
	now := time.Now().UTC()
	user.ID, user.Version, user.CreatedAt, user.UpdatedAt = u.seq, 1, now, now
	u.byID[user.ID] = user
	return user, nil
}

func (u *Users) Get(_ context.Context, id int64) (models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return models.User{}, err
	}
	user, ok := u.byID[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (u *Users) FindByUsername(_ context.Context, username string) (models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return models.User{}, err
	}
	for _, user := range u.byID {
		if user.Username == username {
			return user, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (u *Users) List(_ context.Context, offset, limit int) ([]models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(u.byID))
	for id := range u.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []models.User
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, u.byID[ids[i]])
	}
	return out, nil
}

func (u *Users) Update(_ context.Context, id int64, changes storage.UserChanges) (models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return models.User{}, err
	}
	user, ok := u.byID[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	if changes.Username != nil {
		if u.taken(*changes.Username, id) {
			return models.User{}, storage.ErrAlreadyExists
		}
		user.Username = *changes.Username
	}
	if changes.PasswordHash != nil {
		user.PasswordHash = *changes.PasswordHash
	}
	user.Version++
	user.UpdatedAt = time.Now().UTC()
	u.byID[id] = user
	return user, nil
}

func (u *Users) Delete(_ context.Context, id int64) (models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.injected(); err != nil {
		return models.User{}, err
	}
	user, ok := u.byID[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	delete(u.byID, id)
	return user, nil
}

// OutboxRow is the full state of one in-memory outbox entry.
type OutboxRow struct {
	Entry         storage.OutboxEntry
	Status        string
	NextAttemptAt time.Time
	LastError     string
}

// Outbox is an in-memory storage.OutboxRepository. Leases are not
// modelled: processing rows are never reclaimed.
type Outbox struct {
	mu   sync.Mutex
	seq  int64
	rows map[int64]*OutboxRow
}

func NewOutbox() *Outbox {
	return &Outbox{rows: map[int64]*OutboxRow{}}
}

func (o *Outbox) Enqueue(_ context.Context, eventID uuid.UUID, action string, payload []byte, notBefore time.Time) (storage.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	entry := storage.OutboxEntry{ID: o.seq, EventID: eventID, Action: action, Payload: payload, CreatedAt: time.Now().UTC()}
	o.rows[entry.ID] = &OutboxRow{Entry: entry, Status: "pending", NextAttemptAt: notBefore}
	return entry, nil
}

func (o *Outbox) ClaimDue(_ context.Context, now time.Time, _ time.Duration, limit int) ([]storage.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []storage.OutboxEntry
	for id := int64(1); id <= o.seq && len(out) < limit; id++ {
		row, ok := o.rows[id]
		if !ok || row.Status == "processing" || row.NextAttemptAt.After(now) {
			continue
		}
		row.Status = "processing"
		out = append(out, row.Entry)
	}
	return out, nil
}

func (o *Outbox) Complete(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rows, id)
	return nil
}

func (o *Outbox) MarkRetry(_ context.Context, id int64, attempt int, next time.Time, lastErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return errors.New("outbox row not found")
	}
	row.Status = "failed"
	row.Entry.AttemptCount = attempt
	row.NextAttemptAt = next
	row.LastError = lastErr
	return nil
}

func (o *Outbox) Summary(context.Context) (storage.OutboxSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var s storage.OutboxSummary
	for _, row := range o.rows {
		switch row.Status {
		case "pending":
			s.Pending++
		case "processing":
			s.Processing++
		case "failed":
			s.Failed++
		}
	}
	return s, nil
}

// Row returns a copy of the row with id.
func (o *Outbox) Row(id int64) (OutboxRow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return OutboxRow{}, false
	}
	return *row, true
}

// Len is the number of rows still in the outbox.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rows)
}
