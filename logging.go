package integration

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// captureError logs the error and forwards it to Sentry when a hub is
// available. Taxonomy failures are written back to the store instead; this is
// for unexpected errors (store outages, finalize failures).
func captureError(ctx context.Context, logger *slog.Logger, err error) {
	logger.ErrorContext(ctx, err.Error())

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub != nil {
		hub.CaptureException(err)
	}
}
