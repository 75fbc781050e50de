package harvest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/queue/memory"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/state"
)

var errWriterStopped = errors.New("write queue stopped")

type writeItem struct {
	batch    []record.ListingWithContext
	snapshot state.State
	// ack marks a flush barrier; it carries no work.
	ack chan struct{}
}

// writeQueue runs batch writes on a single goroutine. Each item carries
// the state reached after producing its batch; the state is saved only
// once the batch is committed.
type writeQueue struct {
	q      *memory.Queue[writeItem]
	writer Writer
	states StateStore
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newWriteQueue(parent context.Context, depth int, writer Writer, states StateStore, logger *zap.Logger) *writeQueue {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancelCause(parent)
	w := &writeQueue{
		q:      memory.NewQueue[writeItem](depth),
		writer: writer,
		states: states,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writeQueue) loop() {
	defer close(w.done)
	for {
		item, err := w.q.Dequeue(w.ctx)
		if err != nil {
			return
		}
		if item.ack != nil {
			close(item.ack)
			continue
		}
		if len(item.batch) > 0 {
			n, err := w.writer.UpsertBatch(w.ctx, item.batch)
			if err != nil {
				w.cancel(fmt.Errorf("write batch: %w", err))
				return
			}
			w.logger.Debug("batch written", zap.Int("listings", n), zap.Int("cursor", item.snapshot.Cursor))
		}
		if err := w.states.Save(item.snapshot); err != nil {
			w.cancel(fmt.Errorf("save state: %w", err))
			return
		}
	}
}

// submit queues a batch and the state to persist after it. It blocks while
// the queue is full.
func (w *writeQueue) submit(batch []record.ListingWithContext, snapshot state.State) error {
	if err := w.q.Enqueue(w.ctx, writeItem{batch: batch, snapshot: snapshot}); err != nil {
		return w.failure(err)
	}
	return nil
}

// flush waits until every submitted item has been written.
func (w *writeQueue) flush() error {
	ack := make(chan struct{})
	if err := w.q.Enqueue(w.ctx, writeItem{ack: ack}); err != nil {
		return w.failure(err)
	}
	select {
	case <-ack:
		return nil
	case <-w.ctx.Done():
		return w.failure(w.ctx.Err())
	}
}

// stop ends the worker. Items still queued are discarded; their state was
// never saved, so they are fetched again on resume.
func (w *writeQueue) stop() {
	w.cancel(errWriterStopped)
	<-w.done
	w.q.Close()
}

func (w *writeQueue) failure(err error) error {
	if cause := context.Cause(w.ctx); cause != nil {
		return cause
	}
	return err
}
