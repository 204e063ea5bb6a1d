package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/mailer"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
	"github.com/edrdavid1/smokefieldserver/pkg/config"
	"github.com/edrdavid1/smokefieldserver/pkg/crypto"
	jwtpkg "github.com/edrdavid1/smokefieldserver/pkg/jwt"
)

var (
	// ErrMissingFields rejects a signup with an empty username, display
	// name or password.
	ErrMissingFields = errors.New("account: all fields are required")
	// ErrInvalidCredentials hides whether the username or the password
	// was wrong.
	ErrInvalidCredentials = errors.New("account: invalid username or password")
	// ErrInvalidCode rejects a confirmation attempt with the wrong code.
	ErrInvalidCode = errors.New("account: invalid confirmation code")
)

// newTotalNum is the counter stake every fresh account starts with.
const newTotalNum = 100

// Service handles account workflows.
type Service struct {
	users  repository.UserRepository
	mail   mailer.Mailer
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, mail mailer.Mailer, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, mail: mail, logger: logger, cfg: cfg}
}

// Signup registers a new user. When email confirmation is enabled and
// an address was given, the account starts unconfirmed and a code is
// mailed out; a delivery failure is logged but does not fail signup.
func (s Service) Signup(ctx context.Context, username, displayName, password, email string) (*domain.User, error) {
	username = domain.NormalizeUsername(username)
	displayName = strings.TrimSpace(displayName)
	email = strings.TrimSpace(email)
	if username == "" || displayName == "" || password == "" {
		return nil, ErrMissingFields
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Email:        email,
		Confirmed:    true,
		CurrentNum:   0,
		TotalNum:     newTotalNum,
		CreatedAt:    time.Now().UTC(),
	}
	if s.cfg.EmailConfirmation && email != "" {
		user.Confirmed = false
		user.ConfirmationCode = uuid.NewString()
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if !user.Confirmed {
		if err := s.mail.SendConfirmation(ctx, email, user.ConfirmationCode); err != nil {
			s.logger.Warn("confirmation email delivery failed", "username", username, "error", err)
		}
	}
	s.logger.Info("user registered", "username", username, "confirmed", user.Confirmed)
	return user, nil
}

// Login authenticates a user and returns a signed token.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, string, error) {
	username = domain.NormalizeUsername(username)
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := jwtpkg.GenerateToken(user.Username, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "username", username)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user
// and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByUsername(ctx, domain.NormalizeUsername(claims.Username))
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

// Profile fetches a user record by identity.
func (s Service) Profile(ctx context.Context, username string) (*domain.User, error) {
	return s.users.GetUserByUsername(ctx, domain.NormalizeUsername(username))
}

// ConfirmEmail validates the code and marks the account confirmed.
// Confirming an already-confirmed account succeeds without touching
// the store again.
func (s Service) ConfirmEmail(ctx context.Context, username, code string) error {
	username = domain.NormalizeUsername(username)
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user.Confirmed {
		return nil
	}
	if strings.TrimSpace(code) == "" || code != user.ConfirmationCode {
		return ErrInvalidCode
	}
	if err := s.users.SetConfirmed(ctx, username); err != nil {
		return err
	}
	s.logger.Info("email confirmed", "username", username)
	return nil
}
