// Package worker drains the chunk queue: embed, upsert, count, and close
// out documents when their last chunk lands. Deliveries are acknowledged
// only after the vector is durably written, so a crash mid-chunk re-delivers
// instead of losing work.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lectern-ai/lectern/pkg/bus"
	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

// progressEvery throttles intermediate progress events to every Nth chunk.
const progressEvery = 5

// Store is the slice of the metadata store the worker writes to.
// MarkChunkProcessed must be idempotent per chunk index: a redelivered
// chunk may not advance the processed counter a second time.
type Store interface {
	MarkChunkProcessed(ctx context.Context, documentID string, chunkIndex int) (*domain.Document, error)
	CompleteDocument(ctx context.Context, documentID string) (bool, error)
}

type Worker struct {
	store       Store
	embedder    domain.Embedder
	index       domain.VectorIndex
	progress    domain.ProgressPublisher
	concurrency int
	logger      *slog.Logger
}

func New(store Store, embedder domain.Embedder, index domain.VectorIndex,
	progress domain.ProgressPublisher, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		store:       store,
		embedder:    embedder,
		index:       index,
		progress:    progress,
		concurrency: concurrency,
		logger:      log.WithComponent("worker"),
	}
}

// Run processes deliveries with a bounded pool until ctx is canceled or the
// channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan bus.Delivery) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.handle(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

// handle acks on success and rejects to the dead-letter queue on failure.
// Processing is idempotent under re-delivery: the vector id is derived from
// the job, so a redelivered chunk overwrites its own point.
func (w *Worker) handle(ctx context.Context, d bus.Delivery) {
	if err := w.process(ctx, d.Job); err != nil {
		w.logger.Error("chunk job failed",
			"document_id", d.Job.DocumentID,
			"chunk_index", d.Job.ChunkIndex,
			"redelivered", d.Redelivered,
			"error", err)
		if err := d.Reject(); err != nil {
			w.logger.Error("reject failed", "document_id", d.Job.DocumentID, "error", err)
		}
		return
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("ack failed", "document_id", d.Job.DocumentID, "error", err)
	}
}

func (w *Worker) process(ctx context.Context, job domain.ChunkJob) error {
	vec, err := w.embedder.Embed(ctx, job.Text)
	if err != nil {
		return fmt.Errorf("embed chunk %d: %w", job.ChunkIndex, err)
	}

	rec := domain.VectorRecord{
		ID:        job.VectorID(),
		Namespace: job.DocumentID,
		Values:    vec,
		Metadata:  job.Metadata,
	}
	if err := w.index.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("upsert chunk %d: %w", job.ChunkIndex, err)
	}

	doc, err := w.store.MarkChunkProcessed(ctx, job.DocumentID, job.ChunkIndex)
	if err != nil {
		return fmt.Errorf("record chunk %d: %w", job.ChunkIndex, err)
	}

	if doc.ProcessedChunks >= doc.TotalChunks {
		return w.complete(ctx, doc)
	}

	if doc.ProcessedChunks%progressEvery == 0 {
		w.publish(ctx, doc.ID, domain.ProgressEvent{
			Status:          domain.StatusVectorizing,
			Progress:        doc.Progress(),
			ProcessedChunks: doc.ProcessedChunks,
			TotalChunks:     doc.TotalChunks,
			Message:         fmt.Sprintf("Processed %d of %d chunks", doc.ProcessedChunks, doc.TotalChunks),
		})
	}
	return nil
}

// complete flips the document to completed. The store transition is
// conditional, so concurrent final chunks race safely and exactly one
// publishes the completed event.
func (w *Worker) complete(ctx context.Context, doc *domain.Document) error {
	transitioned, err := w.store.CompleteDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	if !transitioned {
		return nil
	}

	w.publish(ctx, doc.ID, domain.ProgressEvent{
		Status:          domain.StatusCompleted,
		Progress:        100,
		ProcessedChunks: doc.ProcessedChunks,
		TotalChunks:     doc.TotalChunks,
		Message:         "Document processing complete",
	})
	w.logger.Info("document completed", "document_id", doc.ID, "chunks", doc.TotalChunks)
	return nil
}

func (w *Worker) publish(ctx context.Context, documentID string, ev domain.ProgressEvent) {
	if w.progress == nil {
		return
	}
	if err := w.progress.PublishProgress(ctx, documentID, ev); err != nil {
		w.logger.Warn("progress publish failed", "document_id", documentID, "error", err)
	}
}
