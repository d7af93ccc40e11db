package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/metrics"
)

// ProtectedSender decorates a channel.Sender with a breaker.
// Misconfigured user settings and caller cancellation do not count against
// the provider.
type ProtectedSender struct {
	sender  channel.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender channel.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Protect wraps sender in a breaker named name using DefaultConfig and
// publishing state changes to metrics.
func Protect(name string, sender channel.Sender, logger *zap.Logger) *ProtectedSender {
	cfg := DefaultConfig(name)
	cfg.OnStateChange = func(name string, _, to State) {
		metrics.SetCircuitState(name, int(to))
	}
	return NewProtectedSender(sender, New(cfg, logger), logger)
}

func (p *ProtectedSender) Send(ctx context.Context, settings *db.NotificationSettings, msg channel.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("user_id", settings.UserID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, settings, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, channel.ErrInvalidConfig), errors.Is(err, context.Canceled):
		// not the provider's fault
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(ch string) bool {
	return p.sender.SupportsChannel(ch)
}

// Breaker returns the underlying circuit breaker for the ops API.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
