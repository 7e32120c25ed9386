package lectern

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/api"
	"github.com/lectern-ai/lectern/api/handlers"
	"github.com/lectern-ai/lectern/api/middleware"
	"github.com/lectern-ai/lectern/api/websocket"
	"github.com/lectern-ai/lectern/pkg/access"
	"github.com/lectern-ai/lectern/pkg/auth"
	"github.com/lectern-ai/lectern/pkg/bus"
	"github.com/lectern-ai/lectern/pkg/cache"
	"github.com/lectern-ai/lectern/pkg/chunker"
	"github.com/lectern-ai/lectern/pkg/ingest"
	"github.com/lectern-ai/lectern/pkg/provider"
	"github.com/lectern-ai/lectern/pkg/query"
	"github.com/lectern-ai/lectern/pkg/security"
	"github.com/lectern-ai/lectern/pkg/store"
	"github.com/lectern-ai/lectern/pkg/vector"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the HTTP API: auth, uploads, queries, progress websockets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(ctx context.Context) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "api").Logger()

	st, err := store.New(ctx, cfg.Store.URL, cfg.Store.Database)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	ca, err := cache.New(ctx, cfg.Cache.URL, cfg.Cache.AnswerTTL, cfg.Cache.FrequencyTTL)
	if err != nil {
		return err
	}
	defer ca.Close()

	mq, err := bus.Connect(cfg.Bus.URL, bus.Topology{
		Exchange:   cfg.Bus.Exchange,
		Queue:      cfg.Bus.Queue,
		DLQ:        cfg.Bus.DLQ,
		RoutingKey: cfg.Bus.RoutingKey,
	})
	if err != nil {
		return err
	}
	defer mq.Close()

	index, err := vector.New(vector.Config{
		Host:       cfg.Vector.Host,
		Port:       cfg.Vector.Port,
		Collection: cfg.Vector.Collection,
		Dimension:  cfg.Vector.Dimension,
		TextLimit:  cfg.Vector.MetadataTextLimit,
	})
	if err != nil {
		return err
	}
	defer index.Close()

	llm := provider.New(provider.Config{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		LLMModel:       cfg.Provider.LLMModel,
	})

	ck, err := chunker.New()
	if err != nil {
		return err
	}
	filter, err := security.NewFilter(security.DefaultSuspiciousPatterns,
		security.DefaultLeakMarkers, cfg.Query.MaxQuestionLen)
	if err != nil {
		return err
	}

	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.AccessExpiry, cfg.Auth.RefreshExpiry)
	resolver := access.NewResolver(st)

	pipeline := query.New(st, ca, llm, llm, index, filter, resolver, query.Options{
		TopK:               cfg.Query.TopK,
		GlobalTopK:         cfg.Query.GlobalTopK,
		MaxPerDoc:          cfg.Query.MaxPerDoc,
		MaxTotal:           cfg.Query.MaxTotal,
		FrequencyThreshold: cfg.Cache.FrequencyThreshold,
	})

	suggester := ingest.NewSuggester(llm, st)
	coordinator := ingest.NewCoordinator(st, ck, mq, ca, index, ca, suggester, ingest.Options{
		MaxFileSize:     cfg.MaxFileSizeBytes(),
		ChunkSize:       cfg.Ingest.ChunkSize,
		ChunkOverlap:    cfg.Ingest.ChunkOverlap,
		MergePeers:      cfg.Ingest.MergePeers,
		UploadDirectory: cfg.Ingest.UploadDirectory,
	})

	sweeper := ingest.NewSweeper(st, cfg.Ingest.SweepSchedule, cfg.Ingest.StaleAfter)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	hub := websocket.NewHub(logger.With().Str("component", "ws").Logger())
	go hub.Run()
	defer hub.Stop()
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()
	go hub.PumpRedis(pumpCtx, ca.SubscribeProgress(pumpCtx))

	wsServer := websocket.NewServer(hub, st, logger)
	limiter := middleware.NewRateLimiter(ca.Client(),
		cfg.RateLimit.PerUser, cfg.RateLimit.Global, cfg.RateLimit.Window, logger)
	burst := middleware.NewIPBurstGuard(cfg.RateLimit.IPPerSecond, cfg.RateLimit.IPBurst)

	authHandler := handlers.NewAuthHandler(st, tokens, logger)
	docsHandler := handlers.NewDocumentsHandler(coordinator, st, cfg.MaxFileSizeBytes(), logger)
	queryHandler := handlers.NewQueryHandler(pipeline, logger)
	healthHandler := handlers.NewHealthHandler(
		handlers.Check{Name: "store", Probe: st.Health},
		handlers.Check{Name: "cache", Probe: ca.Health},
		handlers.Check{Name: "bus", Probe: mq.Health},
	)

	server := api.NewServer(
		api.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			CORSOrigins:  cfg.Server.CORSOrigins,
		},
		api.Middleware{
			Correlation: middleware.CorrelationID(),
			Logger:      middleware.RequestLogger(logger),
			Recovery:    middleware.Recovery(logger),
			IPBurst:     burst.Limit(),
			Auth:        middleware.RequireAuth(tokens),
			RateLimit:   limiter.Limit(),
		},
		api.Routes{
			Auth: api.AuthRoutes{
				Register: authHandler.Register,
				Login:    authHandler.Login,
				Refresh:  authHandler.Refresh,
				Me:       authHandler.Me,
			},
			Documents: api.DocumentRoutes{
				Upload:             docsHandler.Upload,
				Delete:             docsHandler.Delete,
				List:               docsHandler.List,
				SuggestedQuestions: docsHandler.SuggestedQuestions,
			},
			Query: api.QueryRoutes{
				Ask:      queryHandler.Ask,
				Complete: queryHandler.AskComplete,
				Global:   queryHandler.AskGlobal,
				Popular:  queryHandler.Popular,
			},
			Health:    healthHandler.Health,
			WebSocket: wsServer.Serve,
		},
		logger,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
