// Package delivery sends alert webhooks and builds markdown digests.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pders01/feedtriage/internal/config"
	"github.com/pders01/feedtriage/internal/debuglog"
	"github.com/pders01/feedtriage/internal/storage"
	"github.com/pders01/feedtriage/internal/validation"
)

var (
	// ErrDeliveryFailed is returned once every attempt has failed.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
	ErrNotConfigured  = errors.New("webhook not configured")
)

// Dispatcher delivers alert webhooks. Each attempt first claims the
// delivery record in the store, so an undo or a newer generation stops any
// remaining attempts.
type Dispatcher struct {
	store       storage.Store
	validator   *validation.SafetyValidator
	client      *http.Client
	url         string
	footer      string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time

	sem      chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	inflight map[int64]int
}

func NewDispatcher(store storage.Store, cfg *config.Config, v *validation.SafetyValidator) *Dispatcher {
	workers := cfg.Webhook.Workers
	if workers < 1 {
		workers = 1
	}
	attempts := cfg.Webhook.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:       store,
		validator:   v,
		client:      v.HTTPClient(cfg.Webhook.Timeout),
		url:         cfg.Webhook.URL,
		footer:      cfg.Webhook.Footer,
		maxAttempts: attempts,
		baseDelay:   cfg.Webhook.BaseDelay,
		maxDelay:    cfg.Webhook.MaxDelay,
		now:         time.Now,
		sem:         make(chan struct{}, workers),
		inflight:    make(map[int64]int),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue delivers rec in the background and returns immediately. A
// generation already being delivered is not queued twice.
func (d *Dispatcher) Enqueue(rec *storage.DeliveryRecord) {
	d.mu.Lock()
	if gen, ok := d.inflight[rec.ItemID]; ok && gen == rec.Generation {
		d.mu.Unlock()
		return
	}
	d.inflight[rec.ItemID] = rec.Generation
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(rec)
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()

		if err := d.Deliver(d.ctx, rec); err != nil {
			debuglog.WithFields(debuglog.Fields{"item": rec.ItemID, "generation": rec.Generation}).
				Errorf("alert delivery: %v", err)
		}
	}()
}

func (d *Dispatcher) release(rec *storage.DeliveryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[rec.ItemID] == rec.Generation {
		delete(d.inflight, rec.ItemID)
	}
}

// Wait blocks until every enqueued delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close abandons queued deliveries and waits for running ones. Records
// left pending are picked up by RunPending on the next start.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// RunPending re-drives every pending delivery, e.g. after a restart.
func (d *Dispatcher) RunPending(ctx context.Context) (int, error) {
	recs, err := d.store.PendingDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending deliveries: %w", err)
	}
	for _, rec := range recs {
		d.Enqueue(rec)
	}
	return len(recs), nil
}

// Deliver runs the retry loop for one delivery generation. It returns nil
// when the webhook accepted the alert or the generation was cancelled.
func (d *Dispatcher) Deliver(ctx context.Context, rec *storage.DeliveryRecord) error {
	log := debuglog.WithFields(debuglog.Fields{"item": rec.ItemID, "generation": rec.Generation})

	if d.url == "" {
		if _, err := d.store.BeginAttempt(ctx, rec.ItemID, rec.Generation, d.now().UTC()); err != nil {
			if errors.Is(err, storage.ErrDeliveryInactive) {
				return nil
			}
			return err
		}
		finishErr := d.store.FinishAttempt(ctx, rec.ItemID, rec.Generation, storage.AttemptOutcome{
			Err: ErrNotConfigured.Error(), Exhausted: true, At: d.now().UTC(),
		})
		log.Warnf("alert not sent: %v", ErrNotConfigured)
		return errors.Join(ErrNotConfigured, finishErr)
	}

	body, err := d.payload(ctx, rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("item-%d-%d", rec.ItemID, rec.Generation)

	var lastErr error
	operation := func() (bool, error) {
		claimed, err := d.store.BeginAttempt(ctx, rec.ItemID, rec.Generation, d.now().UTC())
		if errors.Is(err, storage.ErrDeliveryInactive) {
			return false, backoff.Permanent(err)
		}
		if err != nil {
			return false, err
		}

		postErr := d.post(ctx, body, key)
		if postErr == nil {
			if err := d.store.FinishAttempt(ctx, rec.ItemID, rec.Generation, storage.AttemptOutcome{
				Delivered: true, At: d.now().UTC(),
			}); err != nil && !errors.Is(err, storage.ErrDeliveryInactive) {
				log.Errorf("recording delivery: %v", err)
			}
			return true, nil
		}

		lastErr = postErr
		exhausted := claimed.AttemptCount >= d.maxAttempts || errors.Is(postErr, validation.ErrRejected)
		if err := d.store.FinishAttempt(ctx, rec.ItemID, rec.Generation, storage.AttemptOutcome{
			Err: postErr.Error(), Exhausted: exhausted, At: d.now().UTC(),
		}); err != nil {
			if errors.Is(err, storage.ErrDeliveryInactive) {
				return false, backoff.Permanent(err)
			}
			log.Errorf("recording attempt: %v", err)
		}
		log.Debugf("attempt %d failed: %v", claimed.AttemptCount, postErr)
		if exhausted {
			return false, backoff.Permanent(postErr)
		}
		return false, postErr
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(uint(d.maxAttempts)),
	)
	switch {
	case err == nil:
		log.Infof("alert delivered")
		return nil
	case errors.Is(err, storage.ErrDeliveryInactive):
		log.Debugf("delivery cancelled")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (d *Dispatcher) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if d.baseDelay > 0 {
		b.InitialInterval = d.baseDelay
	}
	if d.maxDelay > 0 {
		b.MaxInterval = d.maxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func (d *Dispatcher) payload(ctx context.Context, rec *storage.DeliveryRecord) ([]byte, error) {
	item, err := d.store.GetItem(ctx, rec.ItemID)
	if err != nil {
		return nil, err
	}
	var feedName string
	if f, err := d.store.GetFeed(ctx, item.FeedID); err == nil {
		feedName = f.Name()
	}
	return json.Marshal(buildPayload(item, feedName, rec.ActorID, d.footer))
}

func (d *Dispatcher) post(ctx context.Context, body []byte, idempotencyKey string) error {
	if err := d.validator.Validate(ctx, d.url); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
