package repository

import (
	"context"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
)

// UserRepository persists user accounts and their counters.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	SaveCounters(ctx context.Context, user *domain.User) error
	SetConfirmed(ctx context.Context, username string) error
}
