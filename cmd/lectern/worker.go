package lectern

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/pkg/bus"
	"github.com/lectern-ai/lectern/pkg/cache"
	"github.com/lectern-ai/lectern/pkg/log"
	"github.com/lectern-ai/lectern/pkg/provider"
	"github.com/lectern-ai/lectern/pkg/store"
	"github.com/lectern-ai/lectern/pkg/vector"
	"github.com/lectern-ai/lectern/pkg/worker"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the embedding worker",
	Long: `Consume chunk jobs from the queue, embed them, and upsert the vectors.
Runs until interrupted or the broker connection drops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerConcurrency > 0 {
			cfg.Worker.Concurrency = workerConcurrency
		}
		return runWorker(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "worker pool size (overrides config)")
}

func runWorker(ctx context.Context) error {
	logger := log.WithComponent("worker-cmd")

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

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
		case err := <-mq.NotifyClose():
			// Exit and let the supervisor restart with a fresh connection.
			logger.Error("broker connection lost", "error", err)
		case <-runCtx.Done():
		}
		cancel()
	}()

	deliveries, err := mq.Consume(runCtx, cfg.Worker.Prefetch)
	if err != nil {
		return err
	}

	logger.Info("worker started",
		"queue", cfg.Bus.Queue,
		"prefetch", cfg.Worker.Prefetch,
		"concurrency", cfg.Worker.Concurrency)

	w := worker.New(st, llm, index, ca, cfg.Worker.Concurrency)
	if err := w.Run(runCtx, deliveries); err != nil && err != context.Canceled {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
