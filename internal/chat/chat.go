// Package chat carries short text messages between two nodes over a
// dedicated GATT service, next to the data exchange service. One side
// attaches to a peer's chat characteristic and receives its notifications;
// the other side hosts the characteristic and receives writes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/ble/protocol"
	"github.com/chaz8081/sensorsync/internal/record"
	"github.com/chaz8081/sensorsync/internal/store"
)

// HostedPeerID is the sender recorded for text written to the hosted
// characteristic. The GATT server does not identify the writing central.
const HostedPeerID = "peer"

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("chat: service closed")

// Options configures the chat service.
type Options struct {
	ServiceUUID string
	CharUUID    string
	MTU         int

	MessagesPerSecond float64 // write throttle, per chunk
	Burst             int

	QueueSize      int // max messages queued while detached
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration // first reattach backoff, doubled per attempt
	ReconnectMax   time.Duration

	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:       ble.ChatServiceUUID,
		CharUUID:          ble.ChatCharUUID,
		MTU:               ble.DefaultMTU,
		MessagesPerSecond: 5,
		Burst:             3,
		QueueSize:         64,
		ConnectTimeout:    10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		Now:               time.Now,
	}
}

// Message is a chat message, sent or received.
type Message = store.Message

// Service sends and receives chat messages. Create one with New.
type Service struct {
	adapter ble.Adapter
	store   store.MessageStore
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu keeps the chunks of one message together on the wire.
	sendMu sync.Mutex

	mu       sync.Mutex
	peerID   string
	conn     ble.Connection
	char     ble.Characteristic
	sub      *ble.Subscription
	attached bool
	queue    []string
	closed   bool
	messages chan Message
}

// New creates a chat service. A nil message store keeps nothing.
func New(adapter ble.Adapter, ms store.MessageStore, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharUUID == "" {
		opts.CharUUID = def.CharUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = def.MessagesPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = def.ReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		adapter:  adapter,
		store:    ms,
		opts:     opts,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.Burst),
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan Message, 64),
	}
}

// Messages streams every message sent or received. Messages are dropped
// when the consumer falls behind. The channel is closed by Close.
func (s *Service) Messages() <-chan Message {
	return s.messages
}

// GATTService returns the chat service to host next to the exchange
// service. Text written to it is recorded as coming from HostedPeerID.
func (s *Service) GATTService() ble.HostedService {
	return ble.HostedService{
		UUID: s.opts.ServiceUUID,
		Characteristics: []ble.HostedCharacteristic{{
			UUID:    s.opts.CharUUID,
			OnWrite: s.handleWrite,
		}},
	}
}

// Attach connects to a peer's chat characteristic and subscribes to its
// notifications. Messages queued while detached are flushed. If the link
// later drops, the service reattaches with exponential backoff until Close.
func (s *Service) Attach(ctx context.Context, peerID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.attached && s.peerID == peerID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.detach()

	if err := s.attach(ctx, peerID); err != nil {
		return err
	}
	s.logger.Info("[CHAT] attached", "peer", peerID)
	s.flushQueue(ctx)
	return nil
}

func (s *Service) attach(ctx context.Context, peerID string) error {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(cctx, peerID)
	if err != nil {
		return fmt.Errorf("chat: connect to %s: %w", peerID, err)
	}
	char, err := conn.DiscoverCharacteristic(s.opts.ServiceUUID, s.opts.CharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("chat: discover characteristic: %w", err)
	}
	sub, err := char.Subscribe()
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("chat: subscribe: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		_ = conn.Disconnect()
		return ErrClosed
	}
	s.peerID = peerID
	s.conn = conn
	s.char = char
	s.sub = sub
	s.attached = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.listen(peerID, conn, sub)
	return nil
}

// listen records every notification until the subscription ends, then
// starts reattaching unless the detach was requested.
func (s *Service) listen(peerID string, conn ble.Connection, sub *ble.Subscription) {
	defer s.wg.Done()
	for data := range sub.C {
		text, err := protocol.DecodeText(data)
		if err != nil {
			s.logger.Warn("[CHAT] discarded message", "peer", peerID, "error", err)
			continue
		}
		s.record(Message{PeerID: peerID, Text: text})
	}
	sub.Cancel()

	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.attached = false
		s.conn, s.char, s.sub = nil, nil, nil
	}
	reattach := current && !s.closed
	if reattach {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if reattach {
		s.logger.Warn("[CHAT] disconnected, reattaching...", "peer", peerID)
		go s.reattachLoop(peerID)
	}
}

// reattachLoop reconnects with exponential backoff, then flushes the queue.
func (s *Service) reattachLoop(peerID string) {
	defer s.wg.Done()
	for attempt := 0; ; attempt++ {
		delay := backoffDelay(attempt, s.opts.ReconnectBase, s.opts.ReconnectMax)
		s.logger.Debug("[CHAT] reattach backoff", "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		superseded := s.attached
		s.mu.Unlock()
		if superseded {
			return
		}

		if err := s.attach(s.ctx, peerID); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.logger.Warn("[CHAT] reattach failed", "peer", peerID, "attempt", attempt+1, "error", err)
			continue
		}
		s.logger.Info("[CHAT] reattached", "peer", peerID)
		s.flushQueue(s.ctx)
		return
	}
}

// backoffDelay returns the delay before attempt n, doubling from base and
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// Send writes text to the attached peer, split into chunks that fit the
// MTU. While detached, text is queued and delivered on the next attach.
func (s *Service) Send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.attached {
		s.enqueue(text)
		s.mu.Unlock()
		return nil
	}
	peerID, char := s.peerID, s.char
	s.mu.Unlock()

	if err := s.sendChunked(ctx, char, text); err != nil {
		return err
	}
	s.record(Message{PeerID: peerID, Text: text, Outgoing: true})
	return nil
}

func (s *Service) sendChunked(ctx context.Context, char ble.Characteristic, text string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for _, chunk := range protocol.ChunkText(text, protocol.MaxTextBytes(s.opts.MTU)) {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("chat: send: %w", err)
		}
		if err := char.Write(protocol.EncodeText(chunk)); err != nil {
			return fmt.Errorf("chat: send: %w", err)
		}
	}
	return nil
}

// enqueue adds text to the send queue (caller must hold mu).
func (s *Service) enqueue(text string) {
	if len(s.queue) >= s.opts.QueueSize {
		s.logger.Warn("[CHAT] queue full, dropping oldest message")
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, text)
}

// QueueLen returns the number of queued messages.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// flushQueue sends all queued messages. Failed messages are logged and
// dropped.
func (s *Service) flushQueue(ctx context.Context) {
	s.mu.Lock()
	if !s.attached || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	queued := s.queue
	s.queue = nil
	peerID, char := s.peerID, s.char
	s.mu.Unlock()

	for _, text := range queued {
		if err := s.sendChunked(ctx, char, text); err != nil {
			s.logger.Error("[CHAT] failed to flush queued message", "error", err)
			continue
		}
		s.record(Message{PeerID: peerID, Text: text, Outgoing: true})
	}
}

func (s *Service) handleWrite(data []byte) {
	text, err := protocol.DecodeText(data)
	if err != nil {
		s.logger.Warn("[CHAT] discarded hosted write", "error", err)
		return
	}
	s.record(Message{PeerID: HostedPeerID, Text: text})
}

// record stamps, stores and publishes a message.
func (s *Service) record(m Message) {
	m.At = s.opts.Now().UTC()
	m.ID = record.NewID(m.At)

	if s.store != nil {
		if err := s.store.SaveMessage(s.ctx, m); err != nil {
			s.logger.Warn("[CHAT] save message failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- m:
	default:
		s.logger.Debug("[CHAT] message stream full, dropping", "id", m.ID)
	}
}

// History returns up to limit of the most recent stored messages, oldest
// first.
func (s *Service) History(ctx context.Context, limit int) ([]Message, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Messages(ctx, limit)
}

// Attached reports the peer currently attached, if any.
func (s *Service) Attached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.attached
}

// detach drops the current link without reattaching.
func (s *Service) detach() {
	s.mu.Lock()
	conn, sub := s.conn, s.sub
	s.attached = false
	s.conn, s.char, s.sub = nil, nil, nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.logger.Warn("[CHAT] disconnect failed", "error", err)
		}
	}
}

// Close detaches, stops reattaching and closes the Messages channel.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if len(s.queue) > 0 {
		s.logger.Warn("[CHAT] closing with unsent messages", "count", len(s.queue))
	}
	s.mu.Unlock()

	s.cancel()
	s.detach()
	s.wg.Wait()
	close(s.messages)
	return nil
}
