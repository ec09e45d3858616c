package exchange

import (
	"context"
	"errors"

	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/ble/protocol"
	"github.com/chaz8081/sensorsync/internal/peer"
	"github.com/chaz8081/sensorsync/internal/state"
	"github.com/chaz8081/sensorsync/internal/tracing"
)

// ScanCycle listens for advertisements for one scan window, records every
// sighting, then tries once to join each allow-listed peer that is not
// already connected or connecting. Cancelling ctx ends the window and
// abandons pending connection attempts.
func (e *Engine) ScanCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.radio.Lock()
	defer e.radio.Unlock()

	ctx, span := tracing.StartSpan(ctx, "scan.cycle")

	filter := ble.ScanFilter{}
	if e.opts.ServiceFilter {
		filter.ServiceUUID = e.opts.ServiceUUID
	}

	window, cancel := context.WithTimeout(ctx, e.opts.ScanWindow)
	sightings, err := e.adapter.Scan(window, filter)
	if err != nil {
		cancel()
		e.logger.Warn("[EXCHANGE] scan failed", "error", err)
		e.status(state.EventError, "", "Scan error: "+err.Error())
		tracing.End(span, err)
		return
	}

	var candidates []string
	seen := make(map[string]bool)
	for s := range sightings {
		d := e.registry.Upsert(s)
		if !seen[d.ID] && e.registry.ShouldAutoConnect(d) {
			seen[d.ID] = true
			candidates = append(candidates, d.ID)
		}
	}
	cancel()

	e.logger.Debug("[EXCHANGE] scan window closed", "visible", len(e.registry.ListVisible()), "candidates", len(candidates))
	span.SetAttributes(tracing.Count("scan.candidates", len(candidates)))

	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		d, ok := e.registry.Get(id)
		if !ok || !e.registry.ShouldAutoConnect(d) {
			continue
		}
		e.connect(ctx, d)
	}
	tracing.End(span, ctx.Err())
}

// connect joins one peer. Failures leave the peer disconnected.
func (e *Engine) connect(ctx context.Context, d peer.Device) {
	if err := e.registry.SetStatus(d.ID, peer.StatusConnecting); err != nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "peer.connect", tracing.Peer(d.ID))
	h, err := e.open(ctx, d)
	tracing.End(span, err)
	if err != nil {
		e.logger.Warn("[EXCHANGE] connect failed", "peer", d.ID, "name", d.Name, "error", err)
		_ = e.registry.SetStatus(d.ID, peer.StatusDisconnected)
		e.status(state.EventError, d.ID, "Connection error: "+err.Error())
		return
	}

	e.mu.Lock()
	e.conns[d.ID] = h
	e.mu.Unlock()
	_ = e.registry.SetStatus(d.ID, peer.StatusConnected)

	e.watchers.Add(1)
	go e.watch(h)

	e.logger.Info("[EXCHANGE] connected", "peer", d.ID, "name", d.Name)
	e.status(state.EventPeer, d.ID, "Connected to "+displayName(d))
}

// open connects and discovers the exchange characteristic. The session is
// valid only once discovery succeeds.
func (e *Engine) open(ctx context.Context, d peer.Device) (*handle, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()

	conn, err := e.adapter.Connect(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	char, err := conn.DiscoverCharacteristic(e.opts.ServiceUUID, e.opts.ExchangeCharUUID)
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			e.logger.Debug("[EXCHANGE] disconnect after failed discovery", "peer", d.ID, "error", derr)
		}
		return nil, err
	}
	return &handle{
		peerID:  d.ID,
		name:    d.Name,
		conn:    conn,
		char:    char,
		dropped: make(chan struct{}),
	}, nil
}

// watch drops the session when the transport reports a disconnect.
func (e *Engine) watch(h *handle) {
	defer e.watchers.Done()
	select {
	case <-h.conn.Done():
		e.drop(h, "peer disconnected")
	case <-h.dropped:
	}
}

// drop removes a session, disconnects it and marks the peer disconnected.
// It is a no-op for a session that was already dropped.
func (e *Engine) drop(h *handle, reason string) {
	e.mu.Lock()
	cur, ok := e.conns[h.peerID]
	if ok && cur == h {
		delete(e.conns, h.peerID)
		delete(e.digests, h.peerID)
	}
	e.mu.Unlock()
	if !ok || cur != h {
		return
	}

	h.markDropped()
	if err := h.conn.Disconnect(); err != nil {
		e.logger.Warn("[EXCHANGE] disconnect failed", "peer", h.peerID, "error", err)
	}
	if err := e.registry.SetStatus(h.peerID, peer.StatusDisconnected); err != nil {
		e.logger.Warn("[EXCHANGE] status update failed", "peer", h.peerID, "error", err)
	}
	e.logger.Info("[EXCHANGE] disconnected", "peer", h.peerID, "reason", reason)
	e.status(state.EventPeer, h.peerID, "Disconnected from "+displayName(peer.Device{ID: h.peerID, Name: h.name})+": "+reason)
}

// ExchangeCycle exchanges data with every connected peer, one peer at a
// time. A transport failure drops that peer only.
func (e *Engine) ExchangeCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.radio.Lock()
	defer e.radio.Unlock()

	for _, h := range e.sessions() {
		if ctx.Err() != nil {
			return
		}
		e.exchangeWith(ctx, h)
	}
}

// sessions returns the open sessions in peer first-seen order.
func (e *Engine) sessions() []*handle {
	visible := e.registry.ListVisible()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*handle, 0, len(e.conns))
	for _, d := range visible {
		if h, ok := e.conns[d.ID]; ok {
			out = append(out, h)
		}
	}
	return out
}

// exchangeWith reads the peer's payload and merges it, writes the local
// collection back when there is one, then stamps the exchange time.
func (e *Engine) exchangeWith(ctx context.Context, h *handle) {
	ctx, span := tracing.StartSpan(ctx, "exchange.peer", tracing.Peer(h.peerID))

	data, err := h.char.Read()
	if err != nil {
		e.logger.Warn("[EXCHANGE] read failed", "peer", h.peerID, "error", err)
		e.drop(h, "read failed")
		tracing.End(span, err)
		return
	}

	accepted, err := e.receive(ctx, protocol.Origin{PeerID: h.peerID, Name: h.name}, data)
	if err != nil && !errors.Is(err, protocol.ErrDecode) {
		e.logger.Warn("[EXCHANGE] receive failed", "peer", h.peerID, "error", err)
	}
	span.SetAttributes(tracing.Count("exchange.accepted", accepted))

	if local := e.state.Records(); len(local) > 0 {
		batches, skipped, err := protocol.EncodeBatches(local, e.opts.Now(), protocol.MaxAttributeBytes)
		if err != nil {
			e.logger.Error("[EXCHANGE] encode local batch failed", "error", err)
		}
		if skipped > 0 {
			e.logger.Warn("[EXCHANGE] records too large to send", "peer", h.peerID, "skipped", skipped)
		}
		if err := e.writeBatches(h, batches); err != nil {
			e.logger.Warn("[EXCHANGE] write failed", "peer", h.peerID, "error", err)
			e.drop(h, "write failed")
			tracing.End(span, err)
			return
		}
		span.SetAttributes(
			tracing.Count("exchange.sent", len(local)-skipped),
			tracing.Count("exchange.envelopes", len(batches)))
	}

	now := e.opts.Now()
	e.mu.Lock()
	h.lastExchange = now
	e.mu.Unlock()
	if err := e.registry.MarkExchanged(h.peerID, now); err != nil {
		e.logger.Debug("[EXCHANGE] mark exchanged", "peer", h.peerID, "error", err)
	}
	tracing.End(span, nil)
}

// writeBatches sends each envelope in turn, split into writes that fit the
// link MTU. The peer reassembles the segments of an envelope.
func (e *Engine) writeBatches(h *handle, batches [][]byte) error {
	limit := protocol.MaxValueBytes(e.opts.MTU)
	for _, b := range batches {
		for _, seg := range protocol.Segment(b, limit) {
			if err := h.char.Write(seg); err != nil {
				return err
			}
		}
	}
	return nil
}

func displayName(d peer.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
