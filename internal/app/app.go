package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hype-trade-alerts/internal/alerting"
	"hype-trade-alerts/internal/config"
	"hype-trade-alerts/internal/feed"
	"hype-trade-alerts/internal/monitor"
	"hype-trade-alerts/internal/normalize"
	"hype-trade-alerts/internal/server"
	"hype-trade-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Monitor.NotifyTimeout, a.Logger)
	}
	return nil
}

func (a *App) newNormalizer() *normalize.Normalizer {
	threshold := decimal.NewFromFloat(a.Config.Monitor.MinNotionalUSD)
	return normalize.New(a.Config.Feed.Coin, threshold, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitor plus its HTTP control surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	conn := feed.NewManager(feed.Options{
		URL:              a.Config.Feed.WSURL,
		Coin:             a.Config.Feed.Coin,
		Channels:         a.Config.Feed.Channels,
		HandshakeTimeout: a.Config.Feed.HandshakeTimeout,
		WriteTimeout:     a.Config.Feed.WriteTimeout,
		BaseRetryDelay:   a.Config.Monitor.ReconnectBaseDelay,
		MaxRetryAttempts: a.Config.Monitor.MaxReconnectAttempts,
	}, a.Logger)

	mon := monitor.New(conn, store, a.newNotifier(), a.newNormalizer(), a.Config.Monitor.NotifyTimeout, a.Logger)
	conn.OnFrame(mon.HandleFrame)

	// The monitor must outlive individual requests but not the process.
	runCtx := context.WithoutCancel(ctx)
	if a.Config.Monitor.AutoStart {
		if err := mon.Start(runCtx); err != nil {
			return err
		}
	}
	defer mon.Stop()

	srv := &http.Server{
		Addr:        a.Config.Server.ListenAddr,
		Handler:     server.NewRouter(mon, store, a.Logger),
		ReadTimeout: a.Config.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("control surface listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical trades.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
