// Command worker runs the external-integration daemon: the meeting sync and
// notification dispatch loops, the lease reaper, and the enqueue HTTP
// endpoint.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	integration "github.com/skillmill/service-integrations"
	"github.com/skillmill/service-integrations/email"
	"github.com/skillmill/service-integrations/mongodb"
	"github.com/skillmill/service-integrations/postgres"
	"github.com/skillmill/service-integrations/sms"
	"github.com/skillmill/service-integrations/zoom"
)

// claimStore is the full store surface the daemon wires up; both backends
// satisfy it.
type claimStore interface {
	integration.MeetingStore
	integration.NotificationStore
	ReleaseExpiredLeases(ctx context.Context) (int64, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("APP_ENV"),
		})
		if err != nil {
			log.Fatalf("sentry.Init: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer cleanup()

	providers := map[string]integration.MeetingProvider{}
	if os.Getenv("ZOOM_ENABLED") != "false" {
		participantCap, _ := strconv.Atoi(os.Getenv("ZOOM_PARTICIPANT_CAP"))
		providers[integration.ProviderZoom] = zoom.NewClient(zoom.Options{
			ClientID:       os.Getenv("ZOOM_CLIENT_ID"),
			ClientSecret:   os.Getenv("ZOOM_CLIENT_SECRET"),
			AccountID:      os.Getenv("ZOOM_ACCOUNT_ID"),
			ParticipantCap: participantCap,
		})
	}

	mgSvc := email.NewMailgunService(
		os.Getenv("MAIL_DOMAIN"),
		os.Getenv("MAIL_GUN_PRIVATE_API_KEY"),
		"",
	)

	var smsSvc integration.SMSSender
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		smsSvc = sms.New(sms.Options{
			AccountSID:   sid,
			AuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
			FromPhoneNum: os.Getenv("TWILIO_PHONE_NUMBER"),
		})
	}

	syncWorker := integration.NewSyncWorker(store, providers, logger)
	dispatchWorker := integration.NewDispatchWorker(store, mgSvc, smsSvc, nil, logger)

	poolSize := 4
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			poolSize = n
		}
	}
	pool := integration.NewPool(poolSize, logger, syncWorker, dispatchWorker)

	// Items orphaned by a crashed worker come back on their own once the
	// lease lapses; the reaper just keeps them from waiting on a claimer.
	reaper := cron.New()
	_, err = reaper.AddFunc("@every 1m", func() {
		released, err := store.ReleaseExpiredLeases(context.Background())
		if err != nil {
			logger.Error("release expired leases", slog.String("error", err.Error()))
			return
		}
		if released > 0 {
			logger.Info("released expired leases", slog.Int64("count", released))
		}
	})
	if err != nil {
		log.Fatalf("cron.AddFunc: %v", err)
	}
	reaper.Start()
	defer reaper.Stop()

	port := "8080"
	if envPort := os.Getenv("PORT"); envPort != "" {
		port = envPort
	}
	enqueueSrv := &http.Server{
		Addr:    ":" + port,
		Handler: integration.NewServer(store, store, logger).Handler(),
	}
	go func() {
		logger.Info("enqueue server starting", slog.String("port", port))
		if err := enqueueSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("enqueue server", slog.String("error", err.Error()))
		}
	}()

	logger.Info("worker pool starting", slog.Int("size", poolSize))
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := enqueueSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("enqueue server shutdown", slog.String("error", err.Error()))
	}
}

// openStore selects the claim store backend: MongoDB when MONGO_URI is set,
// PostgreSQL when DATABASE_URL is set.
func openStore(ctx context.Context) (claimStore, func(), error) {
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		dbName := os.Getenv("MONGO_DB_NAME")
		if dbName == "" {
			dbName = "integrations"
		}
		client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			_ = client.Disconnect(context.Background())
		}
		return mongodb.New(dbName, client), cleanup, nil
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err := postgres.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	return nil, nil, errors.New("set MONGO_URI or DATABASE_URL")
}
