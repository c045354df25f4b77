// Command plansync runs the Stripe webhook service that keeps user plan
// state in sync with subscription events. All wiring happens here,
// explicitly: config, logger, store, service, provider, HTTP server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kaloumo/plansync/pkg/billing"
	stripeprovider "github.com/kaloumo/plansync/pkg/billing/stripe"
	"github.com/kaloumo/plansync/pkg/plansync"
	zerologadapter "github.com/kaloumo/plansync/pkg/plansync/logger/zerolog"
	prommetrics "github.com/kaloumo/plansync/pkg/plansync/metrics/prometheus"
	firestorestore "github.com/kaloumo/plansync/storage/firestore"
	postgresstore "github.com/kaloumo/plansync/storage/postgres"
	redisstore "github.com/kaloumo/plansync/storage/redis"
)

type config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Store selection: "firestore", "redis" or "postgres"
	StoreBackend string `env:"STORE_BACKEND" envDefault:"firestore"`

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
	UsersCollection    string `env:"FIRESTORE_USERS_COLLECTION" envDefault:"users"`
	EventsCollection   string `env:"FIRESTORE_EVENTS_COLLECTION" envDefault:"stripe_events"`

	RedisAddr   string `env:"REDIS_ADDR"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	StripeAPIKey        string `env:"STRIPE_API_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	StripeProPriceID    string `env:"STRIPE_PRO_PRICE_ID,required"`

	// Stripe requires HTTPS redirect URLs for checkout sessions
	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL" envDefault:"https://kaloumo.app/stripe/success?session_id={CHECKOUT_SESSION_ID}"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL" envDefault:"https://kaloumo.app/stripe/cancel"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"plansync"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "plansync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "plansync").Logger()
	logger := zerologadapter.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	metrics := prommetrics.DefaultMetrics(cfg.MetricsNamespace)

	service, err := plansync.NewService(store, &plansync.Config{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Config: billing.Config{
			Service: service,
			Logger:  logger,
			Metrics: metrics,
		},
		StripeAPIKey:        cfg.StripeAPIKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		ProPriceID:          cfg.StripeProPriceID,
		SuccessURL:          cfg.CheckoutSuccessURL,
		CancelURL:           cfg.CheckoutCancelURL,
	})
	if err != nil {
		return fmt.Errorf("create stripe provider: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Method(http.MethodPost, "/", provider.WebhookHandler())
	router.Post("/checkout", checkoutHandler(provider, zl))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		zl.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		zl.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// openStore builds the configured plansync.Store and a close func.
func openStore(ctx context.Context, cfg config) (plansync.Store, func(), error) {
	switch cfg.StoreBackend {
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return nil, nil, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{
			UsersCollection:  cfg.UsersCollection,
			EventsCollection: cfg.EventsCollection,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil

	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, errors.New("REDIS_ADDR is required for the redis backend")
		}
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("POSTGRES_DSN is required for the postgres backend")
		}
		pgConfig := postgresstore.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		store, err := postgresstore.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// checkoutHandler creates a pro checkout session for the user named by
// the X-User-ID header (authentication happens upstream of this service).
func checkoutHandler(provider billing.Provider, zl zerolog.Logger) http.HandlerFunc {
	type request struct {
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	type response struct {
		URL string `json:"url"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "missing user id", http.StatusUnauthorized)
			return
		}

		var req request
		if r.Body != nil {
			// Body is optional; defaults are configured on the provider.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		url, err := provider.CheckoutURL(r.Context(), userID, req.SuccessURL, req.CancelURL)
		if err != nil {
			zl.Error().Err(err).Str("user_id", userID).Msg("checkout session failed")
			http.Error(w, "failed to create checkout session", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{URL: url})
	}
}
