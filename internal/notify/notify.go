// Package notify delivers best-effort notifications and emails.
//
// Every send is a detached task: failures are logged and recorded, never
// propagated to the state transition that triggered them. The settlement
// engine must not fail a charge or a release because an email bounced.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
)

// sendTimeout bounds each delivery attempt.
const sendTimeout = 10 * time.Second

// EmailSender delivers a single email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs emails instead of sending them. Used in development and tests.
type LogSender struct {
	Logger *slog.Logger
}

func (l *LogSender) Send(ctx context.Context, to, subject, body string) error {
	l.Logger.Info("email (log sender)", "to", to, "subject", subject)
	return nil
}

// Service dispatches notifications asynchronously.
type Service struct {
	sender     EmailSender
	parties    party.Store
	adminEmail string
	logger     *slog.Logger

	mu        sync.Mutex
	lastError string
	wg        sync.WaitGroup
}

// NewService creates a notification service.
func NewService(sender EmailSender, parties party.Store, adminEmail string, logger *slog.Logger) *Service {
	return &Service{
		sender:     sender,
		parties:    parties,
		adminEmail: adminEmail,
		logger:     logger,
	}
}

// UserAsync emails a party by id in a detached task.
func (s *Service) UserAsync(partyID, subject, body string) {
	s.dispatch(func(ctx context.Context) error {
		p, err := s.parties.Get(ctx, partyID)
		if err != nil {
			return fmt.Errorf("resolve party %s: %w", partyID, err)
		}
		return s.sender.Send(ctx, p.Email, subject, body)
	})
}

// AdminAsync emails the configured administrator in a detached task.
// Used to escalate provider failures that have no interactive caller.
func (s *Service) AdminAsync(subject, body string) {
	s.dispatch(func(ctx context.Context) error {
		return s.sender.Send(ctx, s.adminEmail, subject, body)
	})
}

// EmailAsync emails an arbitrary address in a detached task.
func (s *Service) EmailAsync(to, subject, body string) {
	s.dispatch(func(ctx context.Context) error {
		return s.sender.Send(ctx, to, subject, body)
	})
}

// LastError returns the most recent delivery failure, for health reporting.
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Wait blocks until all in-flight deliveries finish. Used in tests and shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) dispatch(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in notification delivery", "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("notification delivery failed", "error", err)
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
		}
	}()
}
