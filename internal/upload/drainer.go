package upload

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/staffwatch/agent/internal/metrics"
	"github.com/staffwatch/agent/internal/retry"
)

// Result summarizes one drain pass.
type Result struct {
	Uploaded int
	Failed   int
	Pending  int
}

// Drainer transmits pending queue items oldest-first. Drain passes are
// serialized: the periodic sweep, the startup sweep, and the quit flush can
// all request one without racing each other.
type Drainer struct {
	store     QueueStore
	transport Transport
	retryCfg  retry.Config
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewDrainer creates a drainer sweeping every interval.
func NewDrainer(qs QueueStore, tr Transport, retryCfg retry.Config, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Drainer {
	return &Drainer{
		store:     qs,
		transport: tr,
		retryCfg:  retryCfg,
		interval:  interval,
		metrics:   m,
		logger:    logger.With().Str("component", "upload_drainer").Logger(),
	}
}

// Run performs a startup sweep for items left over from a previous run, then
// sweeps periodically until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	d.logger.Info().Dur("interval", d.interval).Msg("upload drainer running")
	d.sweep(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Pending returns the number of items awaiting transmission.
func (d *Drainer) Pending() (int, error) {
	return d.store.CountPendingUploads()
}

func (d *Drainer) sweep(ctx context.Context) {
	res, err := d.Drain(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("drain sweep failed")
		return
	}
	if res.Uploaded > 0 || res.Failed > 0 {
		d.logger.Info().
			Int("uploaded", res.Uploaded).
			Int("failed", res.Failed).
			Int("pending", res.Pending).
			Msg("drain sweep complete")
	}
}

// Drain attempts every pending item once through the retry policy, in FIFO
// order. An item that exhausts its attempts is reported failed and left in
// the queue; evidence is never dropped. ctx cancellation aborts between
// items with the remainder untouched.
func (d *Drainer) Drain(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	items, err := d.store.PendingUploadItems(0)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		item := item
		err := retry.Do(ctx, d.retryCfg, func(ctx context.Context) error {
			return d.transport.Upload(ctx, item)
		})
		if err != nil {
			res.Failed++
			d.metrics.RecordUpload("exhausted")
			d.logger.Warn().Err(err).Str("item", item.ID).Str("kind", item.Kind).Msg("upload attempts exhausted, item retained")
			if rerr := d.store.RecordUploadFailure(item.ID, err.Error()); rerr != nil {
				d.logger.Error().Err(rerr).Str("item", item.ID).Msg("failed to record upload failure")
			}
			continue
		}

		if err := d.store.MarkUploaded(item.ID, time.Now()); err != nil {
			// The remote accepted it but our mark failed; the item will be
			// retransmitted, which the server dedupes by item id.
			d.logger.Error().Err(err).Str("item", item.ID).Msg("failed to mark item uploaded")
			res.Failed++
			continue
		}
		res.Uploaded++
		d.metrics.RecordUpload("ok")
	}

	pending, err := d.store.CountPendingUploads()
	if err != nil {
		return res, err
	}
	res.Pending = pending
	d.metrics.SetQueuePending(pending)
	return res, nil
}
