package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/sso-core/storage"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks -source=notify.go Notifier

// Notification tells a user that a batch job ended their sessions.
type Notification struct {
	JobID                string
	JobType              storage.JobType
	UserID               string
	Reason               string
	AccessTokensRevoked  int
	RefreshTokensRevoked int
	SessionsTerminated   int
	At                   time.Time
}

// Notifier delivers user notices. Delivery is fire-and-forget: a failure is
// recorded on the affected user record and never retried.
type Notifier interface {
	NotifyRevocation(ctx context.Context, n Notification) error
}

// LogNotifier writes notices to a logger. It is the notifier used when no
// delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyRevocation implements Notifier
func (n LogNotifier) NotifyRevocation(_ context.Context, note Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Sessions ended by batch revocation",
		"job_id", note.JobID,
		"job_type", note.JobType,
		"user_id", note.UserID,
		"sessions", note.SessionsTerminated,
		"access_tokens", note.AccessTokensRevoked,
		"refresh_tokens", note.RefreshTokensRevoked)
	return nil
}
