package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
	"github.com/edrdavid1/smokefieldserver/internal/ws"
	"github.com/edrdavid1/smokefieldserver/pkg/config"
)

const (
	typeRegister = "register"
	typeSendCig  = "sendCig"
	typeError    = "error"
)

// envelope is the tagged wire message, one JSON object per text frame.
type envelope struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId"`
	UserGG string          `json:"userGG"`
	Cig    json.RawMessage `json:"cig"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// delivery is what the recipient sees: the payload verbatim, nothing else.
type delivery struct {
	Cig json.RawMessage `json:"cig"`
}

// Service routes relay events between live connections. It is stateless
// across events; the registry holds the only shared state.
type Service struct {
	registry           *ws.Registry
	users              repository.UserRepository
	logger             *slog.Logger
	storeTimeout       time.Duration
	surfaceSendFailure bool
}

// New constructs a relay service.
func New(registry *ws.Registry, users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	initMetrics()
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return Service{
		registry:           registry,
		users:              users,
		logger:             logger,
		storeTimeout:       timeout,
		surfaceSendFailure: cfg.RelaySurfaceSendFailure,
	}
}

// HandleMessage dispatches one inbound frame from conn. Errors are
// reported back over the same connection only, never broadcast.
func (s Service) HandleMessage(ctx context.Context, conn ws.Sender, raw []byte) {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("unparseable relay frame", "error", err)
		s.replyError(conn, "Unknown message type")
		recordEvent("invalid", "rejected")
		return
	}
	switch msg.Type {
	case typeRegister:
		s.handleRegister(conn, msg)
	case typeSendCig:
		s.handleSendCig(ctx, conn, msg)
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
		s.replyError(conn, "Unknown message type")
		recordEvent("unknown", "rejected")
	}
}

// HandleClose releases the binding owned by a closed connection.
func (s Service) HandleClose(conn ws.Sender) {
	if identity := s.registry.Unbind(conn); identity != "" {
		s.logger.Info("connection unbound", "username", identity)
	}
	setConnectedClients(s.registry.Len())
}

func (s Service) handleRegister(conn ws.Sender, msg envelope) {
	identity := domain.NormalizeUsername(msg.UserID)
	if identity == "" {
		s.logger.Warn("register event without userId")
		recordEvent(typeRegister, "rejected")
		return
	}
	s.registry.Bind(identity, conn)
	s.logger.Info("connection bound", "username", identity)
	recordEvent(typeRegister, "bound")
	setConnectedClients(s.registry.Len())
}

func (s Service) handleSendCig(ctx context.Context, conn ws.Sender, msg envelope) {
	recipient := domain.NormalizeUsername(msg.UserGG)

	// Existence is a business precondition, distinct from liveness: an
	// offline account and an unknown account produce different
	// diagnostics even though both come back to the sender as errors.
	lookupCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if _, err := s.users.GetUserByUsername(lookupCtx, recipient); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("relay recipient unknown", "recipient", recipient)
			s.replyError(conn, "User not found")
			recordEvent(typeSendCig, "not_found")
			return
		}
		s.logger.Error("account store lookup failed", "recipient", recipient, "error", err)
		s.replyError(conn, "Server error")
		recordEvent(typeSendCig, "store_error")
		return
	}

	target, ok := s.registry.Lookup(recipient)
	if !ok || !target.Open() {
		s.logger.Info("relay recipient not connected", "recipient", recipient)
		s.replyError(conn, fmt.Sprintf("Recipient %s not connected", recipient))
		recordEvent(typeSendCig, "offline")
		return
	}

	payload, err := json.Marshal(delivery{Cig: msg.Cig})
	if err != nil {
		s.logger.Error("marshal delivery payload", "error", err)
		s.replyError(conn, "Server error")
		recordEvent(typeSendCig, "store_error")
		return
	}
	if err := target.Send(payload); err != nil {
		// The liveness check raced with a close. Logged, never a crash;
		// surfaced to the sender only when configured.
		s.logger.Warn("relay delivery failed", "recipient", recipient, "error", err)
		recordEvent(typeSendCig, "send_failed")
		if s.surfaceSendFailure {
			s.replyError(conn, fmt.Sprintf("Delivery to %s failed", recipient))
		}
		return
	}
	recordEvent(typeSendCig, "delivered")
}

func (s Service) replyError(conn ws.Sender, message string) {
	payload, err := json.Marshal(errorMessage{Type: typeError, Message: message})
	if err != nil {
		s.logger.Error("marshal error reply", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		s.logger.Warn("error reply not delivered", "error", err)
	}
}
