package exchange

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/ble/protocol"
	"github.com/chaz8081/sensorsync/internal/record"
	"github.com/chaz8081/sensorsync/internal/state"
)

const digestSize = blake2b.Size256

// writerKey keys the digest of the last payload written to the hosted
// characteristic by a remote central.
const writerKey = "\x00central"

// receive decodes a payload from a peer and merges it. A payload identical
// to the previous one from the same source is skipped. Decode errors
// discard the payload and are returned wrapped in protocol.ErrDecode.
func (e *Engine) receive(ctx context.Context, from protocol.Origin, data []byte) (int, error) {
	key := from.PeerID
	if key == "" {
		key = writerKey
	}
	sum := blake2b.Sum256(data)

	e.mu.Lock()
	prev, seen := e.digests[key]
	e.mu.Unlock()
	if seen && prev == sum {
		return 0, nil
	}

	payload, err := protocol.DecodeRecord(data)
	if err != nil {
		e.logger.Warn("[EXCHANGE] discarded payload", "peer", from.PeerID, "error", err)
		return 0, err
	}

	e.mu.Lock()
	e.digests[key] = sum
	e.mu.Unlock()

	now := e.opts.Now()
	records := payload.Records(from, now)
	if len(records) == 0 {
		return 0, nil
	}
	return e.merge(ctx, records, now), nil
}

// merge applies records to the local state and, when anything changed,
// persists the result and republishes the local batch.
func (e *Engine) merge(ctx context.Context, records []record.Record, now time.Time) int {
	e.ingest.Lock()
	defer e.ingest.Unlock()

	res := e.state.Merge(records, now)
	if res.Accepted > 0 {
		e.logger.Info("[EXCHANGE] merged records", "accepted", res.Accepted, "total", len(res.Records))
	}
	e.persist(ctx, res)
	if res.Accepted > 0 {
		e.publishLocal()
	}
	return res.Accepted
}

// persist writes merge results through to the gateway. Failures are logged
// and never roll back in-memory state.
func (e *Engine) persist(ctx context.Context, res record.MergeResult) {
	if e.gateway == nil {
		return
	}
	if res.Accepted > 0 && e.restore(ctx) {
		if err := e.gateway.SaveRecords(ctx, e.state.Records()); err != nil {
			e.logger.Warn("[EXCHANGE] save records failed", "error", err)
			e.status(state.EventError, "", "Persistence error: "+err.Error())
		}
	}
	if len(res.History) > 0 {
		if err := e.gateway.AppendHistory(ctx, res.History); err != nil {
			e.logger.Warn("[EXCHANGE] append history failed", "error", err)
			e.status(state.EventError, "", "Persistence error: "+err.Error())
		}
	}
}

// restore retries loading persisted data that could not be read at Start
// and folds it under the in-memory state. It reports whether the records
// are loaded, i.e. whether saving may replace the persisted collection.
// Callers hold e.ingest.
func (e *Engine) restore(ctx context.Context) bool {
	if e.recordsLoaded && e.historyLoaded {
		return true
	}

	var (
		records []record.Record
		history []record.HistoryEntry
		err     error
	)
	if !e.recordsLoaded {
		if records, err = e.gateway.LoadRecords(ctx); err != nil {
			e.logger.Warn("[EXCHANGE] records not loaded, save deferred", "error", err)
			e.status(state.EventError, "", "Persistence error: records not loaded, save deferred: "+err.Error())
		} else {
			e.recordsLoaded = true
		}
	}
	if !e.historyLoaded {
		if history, err = e.gateway.LoadHistory(ctx); err != nil {
			e.logger.Warn("[EXCHANGE] history not loaded", "error", err)
		} else {
			e.historyLoaded = true
		}
	}
	if len(records) > 0 || len(history) > 0 {
		e.state.Restore(records, history)
		e.logger.Info("[EXCHANGE] restored persisted data", "records", len(records), "history", len(history))
	}
	return e.recordsLoaded
}

// publishLocal serves the current collection on the hosted exchange
// characteristic so centrals that join this node can read it. The value is
// one attribute long, so it holds the most recent records that fit.
func (e *Engine) publishLocal() {
	now := e.opts.Now()
	batches, skipped, err := protocol.EncodeBatches(e.state.Records(), now, protocol.MaxAttributeBytes)
	if err != nil {
		e.logger.Error("[EXCHANGE] encode local batch failed", "error", err)
		return
	}
	var payload []byte
	if len(batches) > 0 {
		payload = batches[0]
		if len(batches) > 1 || skipped > 0 {
			e.logger.Debug("[EXCHANGE] hosted value truncated to most recent records",
				"envelopes", len(batches), "skipped", skipped)
		}
	} else if payload, err = protocol.EncodeBatch(nil, now); err != nil {
		e.logger.Error("[EXCHANGE] encode local batch failed", "error", err)
		return
	}
	if err := e.adapter.Publish(e.opts.ExchangeCharUUID, payload); err != nil && !errors.Is(err, ble.ErrUnsupported) {
		e.logger.Warn("[EXCHANGE] publish failed", "error", err)
	}
}

// handleWrite merges a payload a remote central wrote to the hosted
// exchange characteristic, once all of its segments have arrived.
func (e *Engine) handleWrite(data []byte) {
	e.mu.Lock()
	ctx := e.cycleCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	payload, ok := e.assembler.Add(data)
	if !ok {
		return
	}
	if _, err := e.receive(ctx, protocol.Origin{}, payload); err != nil {
		e.logger.Debug("[EXCHANGE] hosted write rejected", "error", err)
	}
}

// Ingest merges a locally produced record, e.g. from an attached sensor.
func (e *Engine) Ingest(ctx context.Context, r record.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.LastUpdate.IsZero() {
		r.LastUpdate = e.opts.Now().UTC()
	}
	e.merge(ctx, []record.Record{r}, e.opts.Now())
	return nil
}
