package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/chat"
	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/chunkswarm/chunkswarm/internal/downloader"
	"github.com/chunkswarm/chunkswarm/internal/lifecycle"
	"github.com/chunkswarm/chunkswarm/internal/metrics"
	"github.com/chunkswarm/chunkswarm/internal/ratelimit"
	"github.com/chunkswarm/chunkswarm/internal/serve"
	"github.com/chunkswarm/chunkswarm/internal/store"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
	"github.com/chunkswarm/chunkswarm/internal/wire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	peerMaxUploadRate   string
	peerMaxDownloadRate string
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Start the interactive peer",
		Long: `Start a peer session against the tracker.

The peer serves chunk requests and chat connections on an ephemeral
port while the interactive menu drives registration, login, announces,
downloads, the collaboration ranking and the chat rooms.`,
		RunE: runPeer,
	}

	cmd.Flags().StringVar(&peerMaxUploadRate, "max-upload-rate", "", "Max upload rate (e.g., 10MB/s, 0 = unlimited)")
	cmd.Flags().StringVar(&peerMaxDownloadRate, "max-download-rate", "", "Max download rate (e.g., 50MB/s, 0 = unlimited)")

	return cmd
}

func runPeer(cmd *cobra.Command, args []string) error {
	// Set up logger
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Parse rate limits (CLI flags override config)
	uploadRate := peerMaxUploadRate
	if uploadRate == "" {
		uploadRate = cfg.Transfer.MaxUploadRate
	}
	downloadRate := peerMaxDownloadRate
	if downloadRate == "" {
		downloadRate = cfg.Transfer.MaxDownloadRate
	}

	parsedUploadRate, err := config.ParseRate(uploadRate)
	if err != nil {
		return fmt.Errorf("invalid max-upload-rate: %w", err)
	}
	parsedDownloadRate, err := config.ParseRate(downloadRate)
	if err != nil {
		return fmt.Errorf("invalid max-download-rate: %w", err)
	}

	addr := resolveTrackerAddr(cfg)
	logger.Info("Starting chunkswarm peer",
		zap.String("tracker", addr),
		zap.String("sharedDir", cfg.Peer.SharedDir),
		zap.String("downloadsDir", cfg.Peer.DownloadsDir))

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize metrics
	m := metrics.New()
	stopMetrics := startMetricsServer(cfg, m, logger)
	defer stopMetrics()

	// Open the local library
	st, err := store.Open(libraryFile, logger)
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}

	limiterCfg := ratelimit.DefaultPeerLimiterConfig()
	limiterCfg.GlobalLimit = parsedUploadRate
	limiterCfg.Logger = logger

	app := &peerApp{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tracker:  trackerclient.New(addr, logger),
		store:    st,
		download: ratelimit.New(parsedDownloadRate),
		uploads:  ratelimit.NewPeerLimiterManager(limiterCfg, ratelimit.New(parsedUploadRate)),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}
	app.rooms = chat.NewHost(cfg.Peer.GroupLogsDir, app.tracker, logger)

	// Run the menu until it exits or a signal arrives. After a signal
	// the menu goroutine may still be parked on a stdin read; shutdown
	// proceeds without it.
	menuDone := make(chan struct{})
	go func() {
		defer close(menuDone)
		newMenu(app).loop(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-menuDone:
	}

	// Graceful shutdown
	logger.Info("Shutting down...")
	app.shutdown()
	logger.Info("Shutdown complete")
	return nil
}

// peerApp owns everything a running peer needs. The fields below the
// session marker are only set while a user is logged in; the menu is
// the single goroutine that mutates them.
type peerApp struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracker *trackerclient.Client
	store   *store.Store

	download *ratelimit.Limiter
	uploads  *ratelimit.PeerLimiterManager

	stdin  io.Reader
	stdout io.Writer

	rooms *chat.Host

	// chatActive is set while an incoming chat session owns stdin.
	chatActive atomic.Bool

	// session state
	username string
	endpoint *serve.Server
	engine   *downloader.Engine
	lc       *lifecycle.Manager
	catalog  map[string]wire.FileEntry
}

// login starts the chunk endpoint, authenticates against the tracker
// with the endpoint's port, and brings up the session pieces. On a
// refused login the endpoint is torn down again.
func (app *peerApp) login(ctx context.Context, username, password string) error {
	ep := serve.New(serve.Config{
		SharedDir:  app.cfg.Peer.SharedDir,
		Username:   username,
		Tracker:    app.tracker,
		Limiters:   app.uploads,
		OnChat:     app.handleIncomingChat,
		OnJoinRoom: app.handleJoinRoom,
		Logger:     app.logger,
		Metrics:    app.metrics,
	})
	if err := ep.Start(ctx); err != nil {
		return err
	}
	if err := app.tracker.Login(ctx, username, password, ep.Port()); err != nil {
		ep.Stop()
		return err
	}

	app.username = username
	app.endpoint = ep
	app.engine = downloader.New(downloader.Config{
		Tracker:      app.tracker,
		Username:     username,
		DownloadsDir: app.cfg.Peer.DownloadsDir,
		Limiter:      app.download,
		Store:        app.store,
		Logger:       app.logger,
		Metrics:      app.metrics,
	})
	app.lc = lifecycle.New(ctx)
	app.lc.RunTicker(app.cfg.Peer.AnnounceIntervalDuration(), app.reannounce)

	app.logger.Info("logged in",
		zap.String("username", username),
		zap.Int("port", ep.Port()))
	return nil
}

// logout tells the tracker the session is over and tears down the
// endpoint. Local teardown happens even when the tracker is unreachable.
func (app *peerApp) logout(ctx context.Context) error {
	if app.username == "" {
		return nil
	}
	err := app.tracker.Logout(ctx, app.username, app.endpoint.Port())

	app.lc.Stop()
	app.endpoint.Stop()
	app.username = ""
	app.endpoint = nil
	app.engine = nil
	app.lc = nil
	app.catalog = nil
	return err
}

// announceShared splits anything new in the shared folder and publishes
// the catalog to the tracker. It returns the tracker's note and how
// many files were announced; zero files skips the call entirely.
func (app *peerApp) announceShared(ctx context.Context) (string, int, error) {
	files, err := sharedIndex(app.store, app.cfg.Peer.SharedDir, app.logger)
	if err != nil {
		return "", 0, err
	}
	if len(files) == 0 {
		return "", 0, nil
	}
	note, err := app.tracker.Announce(ctx, app.username, app.endpoint.Port(), files)
	if err != nil {
		return "", 0, err
	}
	return note, len(files), nil
}

// reannounce keeps the tracker's catalog fresh between menu actions.
func (app *peerApp) reannounce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, n, err := app.announceShared(ctx); err != nil {
		app.logger.Warn("periodic announce failed", zap.Error(err))
	} else if n > 0 {
		app.logger.Debug("periodic announce", zap.Int("files", n))
	}
}

// handleIncomingChat runs a chat session for a caller that dialed our
// endpoint. It borrows stdin from the menu for the session's lifetime.
func (app *peerApp) handleIncomingChat(ctx context.Context, conn net.Conn, req wire.ChatRequest) {
	app.chatActive.Store(true)
	defer app.chatActive.Store(false)

	from := req.FromUser
	if from == "" {
		from = "unknown"
	}
	fmt.Fprintf(app.stdout, "\n%s\n", warnColor("[!] Incoming chat from %q. Type %s to leave.", from, chat.QuitCommand))

	err := chat.NewSession(chat.SessionConfig{
		Conn:       conn,
		RemoteUser: from,
		In:         app.stdin,
		Out:        app.stdout,
		Logger:     app.logger,
	}).Run(ctx)
	if err != nil && ctx.Err() == nil {
		app.logger.Warn("incoming chat session failed", zap.Error(err))
	}
}

// handleJoinRoom hands a join_room connection to the room host.
func (app *peerApp) handleJoinRoom(ctx context.Context, conn net.Conn, req wire.JoinRoomRequest) {
	app.rooms.Accept(ctx, conn, req)
}

// shutdown logs out if needed and releases everything the app owns.
func (app *peerApp) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.logout(ctx); err != nil {
		app.logger.Warn("logout on exit failed", zap.Error(err))
	}
	app.uploads.Close()
	if err := app.store.Close(); err != nil {
		app.logger.Warn("closing library failed", zap.Error(err))
	}
}
