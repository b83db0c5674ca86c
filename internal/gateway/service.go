// Package gateway is the auth side: it issues session tokens against the
// directory's credentials, keeps the single live token per username in the
// cache, and gates actions on that session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/auth"
	"github.com/hongminglow/usersync/internal/bus"
	"github.com/hongminglow/usersync/internal/cache"
	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/storage"
)

// MessageType is the AMQP type of messages sent through SendAuthenticated.
const MessageType = "message"

// Publisher sends one message to the broker. *bus.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

type Service struct {
	users          storage.UserRepository
	tokens         *cache.TokenStore
	signer         *auth.TokenManager
	messages       Publisher
	publishTimeout time.Duration
	retry          dbx.RetryPolicy
	logger         logging.Logger
	now            func() time.Time
}

func NewService(
	users storage.UserRepository,
	tokens *cache.TokenStore,
	signer *auth.TokenManager,
	messages Publisher,
	publishTimeout time.Duration,
	logger logging.Logger,
) *Service {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Service{
		users:          users,
		tokens:         tokens,
		signer:         signer,
		messages:       messages,
		publishTimeout: publishTimeout,
		retry:          dbx.DefaultRetryPolicy,
		logger:         logger.With("component", "gateway"),
		now:            time.Now,
	}
}

// Login verifies credentials and makes a fresh token the live session of
// username, replacing any earlier one. Unknown users and wrong passwords
// fail the same way.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: username and password are required", apperr.ErrValidation)
	}

	user, err := dbx.Retry(ctx, s.retry, func() (models.User, error) {
		return s.users.FindByUsername(ctx, username)
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, _ = auth.CheckPassword("", password)
		return "", apperr.ErrInvalidCredentials
	case err != nil:
		return "", storeErr("find user", err)
	}

	ok, err := auth.CheckPassword(user.PasswordHash, password)
	if err != nil {
		return "", fmt.Errorf("check password: %w", err)
	}
	if !ok {
		return "", apperr.ErrInvalidCredentials
	}

	token, err := s.signer.Generate(user)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := s.tokens.Put(ctx, user.Username, token, s.signer.TTL()); err != nil {
		return "", cacheErr(err)
	}
	if err := s.confirmCurrent(ctx, user); err != nil {
		if _, derr := s.tokens.DeleteIfMatch(ctx, user.Username, token); derr != nil {
			s.logger.Warn(ctx, "drop token of failed login", "username", user.Username, "error", derr)
		}
		return "", err
	}
	s.logger.Info(ctx, "login", "user_id", user.ID, "username", user.Username)
	return token, nil
}

// Logout ends the session only if token is the live one, so a superseded
// token can never end a newer login.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.verify(token)
	if err != nil {
		return err
	}
	removed, err := s.tokens.DeleteIfMatch(ctx, claims.User, token)
	if err != nil {
		return cacheErr(err)
	}
	if !removed {
		return apperr.ErrNotLoggedIn
	}
	s.logger.Info(ctx, "logout", "username", claims.User)
	return nil
}

// Authenticate returns the username of a live session token.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := s.verify(token)
	if err != nil {
		return "", err
	}
	if err := s.requireSession(ctx, claims.User, token); err != nil {
		return "", err
	}
	return claims.User, nil
}

// SendAuthenticated publishes payload as a message from username, provided
// username still holds a live session. An empty payload is replaced by a
// greeting.
func (s *Service) SendAuthenticated(ctx context.Context, username, payload string) (events.Message, error) {
	if err := s.requireSession(ctx, username, ""); err != nil {
		return events.Message{}, err
	}

	if strings.TrimSpace(payload) == "" {
		payload = "Hello from " + username
	}
	msg := events.Message{From: username, Body: payload, SentAt: s.now().UTC()}
	body, err := msg.Encode()
	if err != nil {
		return events.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	err = s.messages.Publish(ctx, bus.Envelope{
		MessageID:   uuid.NewString(),
		Type:        MessageType,
		ContentType: events.ContentType,
		Body:        body,
		Timestamp:   msg.SentAt,
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", apperr.ErrBrokerUnavailable, err)
		}
		return events.Message{}, err
	}
	return msg, nil
}

// verify checks the token signature and claims. Malformed, forged and
// expired tokens all fail with ErrInvalidToken.
func (s *Service) verify(token string) (auth.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return auth.Claims{}, apperr.ErrInvalidToken
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return auth.Claims{}, fmt.Errorf("%w: %v", apperr.ErrInvalidToken, err)
	}
	return claims, nil
}

// confirmCurrent re-reads user once its token is stored. A delete or rename
// that committed after the credential check may already have been
// reconciled, and its revocation would then have missed the new token.
func (s *Service) confirmCurrent(ctx context.Context, user models.User) error {
	current, err := dbx.Retry(ctx, s.retry, func() (models.User, error) {
		return s.users.Get(ctx, user.ID)
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.ErrInvalidCredentials
	case err != nil:
		return storeErr("confirm user", err)
	case current.Username != user.Username:
		return apperr.ErrInvalidCredentials
	}
	return nil
}

// requireSession fails with ErrNotLoggedIn unless username has a live
// session; when token is non-empty it must be that session's token.
func (s *Service) requireSession(ctx context.Context, username, token string) error {
	live, err := s.tokens.Get(ctx, username)
	if errors.Is(err, cache.ErrNoSession) {
		return apperr.ErrNotLoggedIn
	}
	if err != nil {
		return cacheErr(err)
	}
	if token != "" && live != token {
		return apperr.ErrNotLoggedIn
	}
	return nil
}

func storeErr(op string, err error) error {
	if dbx.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", apperr.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func cacheErr(err error) error {
	return fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
}
