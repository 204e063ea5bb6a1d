package ledger

import (
	"context"
	"errors"

	"log/slog"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
)

// ErrSelfTarget rejects an adjustment where source and target are the
// same account.
var ErrSelfTarget = errors.New("ledger: source and target are the same user")

// Service applies the fixed gift adjustment to a sender/recipient pair.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
}

// New constructs a ledger service.
func New(users repository.UserRepository, logger *slog.Logger) Service {
	return Service{users: users, logger: logger}
}

// Adjust decrements the source's current counter and increments both of
// the target's counters, persisting both records. Identities are
// compared after normalization. Both records must exist before any
// counter is touched; no counter is clamped, so CurrentNum may go
// negative.
func (s Service) Adjust(ctx context.Context, source, target string) (*domain.User, *domain.User, error) {
	source = domain.NormalizeUsername(source)
	target = domain.NormalizeUsername(target)
	if source == target {
		return nil, nil, ErrSelfTarget
	}

	src, err := s.users.GetUserByUsername(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	dst, err := s.users.GetUserByUsername(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	src.CurrentNum -= 1
	dst.TotalNum += 1
	dst.CurrentNum += 1

	if err := s.users.SaveCounters(ctx, src); err != nil {
		return nil, nil, err
	}
	if err := s.users.SaveCounters(ctx, dst); err != nil {
		// The source record is already saved and no rollback exists, so
		// the ledger is inconsistent until someone reconciles it.
		s.logger.Error("ledger reconciliation required",
			"source", source,
			"target", target,
			"error", err,
		)
		return nil, nil, err
	}

	s.logger.Info("ledger adjusted", "source", source, "target", target)
	return src, dst, nil
}
