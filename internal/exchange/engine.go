// Package exchange runs the node's data exchange engine: a periodic scan
// cycle that discovers and joins nearby peers, and a periodic exchange
// cycle that reads each connected peer's records, merges them by recency
// and writes the merged collection back.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chaz8081/sensorsync/internal/ble"
	"github.com/chaz8081/sensorsync/internal/ble/protocol"
	"github.com/chaz8081/sensorsync/internal/peer"
	"github.com/chaz8081/sensorsync/internal/record"
	"github.com/chaz8081/sensorsync/internal/state"
	"github.com/chaz8081/sensorsync/internal/store"
)

// ErrNotStarted is returned by operations that need a running engine.
var ErrNotStarted = errors.New("exchange: engine not started")

// Options configures the Engine.
type Options struct {
	LocalName        string
	ServiceUUID      string
	ExchangeCharUUID string

	ScanInterval     time.Duration
	ScanWindow       time.Duration
	ExchangeInterval time.Duration
	ConnectTimeout   time.Duration
	// MTU is the ATT MTU of peer links; writes are split to fit it.
	MTU int

	// AllowList holds name fragments of peers joined automatically.
	AllowList []string
	// ServiceFilter limits scans to peers advertising ServiceUUID.
	ServiceFilter bool

	HistoryPolicy record.HistoryPolicy

	// ExtraServices are hosted next to the exchange service, e.g. chat.
	ExtraServices []ble.HostedService

	Permissions ble.PermissionChecker
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		LocalName:        ble.DefaultLocalName,
		ServiceUUID:      ble.ServiceUUID,
		ExchangeCharUUID: ble.ExchangeCharUUID,
		ScanInterval:     10 * time.Second,
		ScanWindow:       8 * time.Second,
		ExchangeInterval: 5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		MTU:              ble.DefaultMTU,
		AllowList:        peer.DefaultAllowList,
		HistoryPolicy:    record.HistoryAccepted,
		Permissions:      ble.Granted,
		Now:              time.Now,
	}
}

// AppState is the host process's foreground state.
type AppState int

const (
	AppActive AppState = iota
	AppInactive
	AppBackground
)

func (s AppState) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppInactive:
		return "inactive"
	case AppBackground:
		return "background"
	default:
		return fmt.Sprintf("AppState(%d)", int(s))
	}
}

// Connection describes an open session with a peer.
type Connection struct {
	PeerID       string
	Name         string
	LastExchange time.Time
}

// handle is the engine's private record of an open session.
type handle struct {
	peerID string
	name   string
	conn   ble.Connection
	char   ble.Characteristic

	lastExchange time.Time
	dropped      chan struct{}
	dropOnce     sync.Once
}

func (h *handle) markDropped() {
	h.dropOnce.Do(func() { close(h.dropped) })
}

// Engine owns the peer registry, the open connections and the
// authoritative record collection. Create one with New.
type Engine struct {
	adapter ble.Adapter
	gateway store.Gateway
	opts    Options
	logger  *slog.Logger

	registry  *peer.Registry
	state     *state.Projection
	assembler *protocol.Assembler

	// life serializes Start, Stop and Lifecycle.
	life sync.Mutex
	// radio serializes scan windows and exchange passes.
	radio sync.Mutex
	// ingest serializes merge, persist and publish.
	ingest sync.Mutex
	// Guarded by ingest. Saving replaces the persisted collection, so it
	// waits until the persisted records have been read back.
	recordsLoaded bool
	historyLoaded bool

	mu       sync.Mutex
	conns    map[string]*handle
	digests  map[string][digestSize]byte
	started  bool
	cycles   *cron.Cron
	cycleCtx context.Context
	cancel   context.CancelFunc
	jobs     sync.WaitGroup
	watchers sync.WaitGroup
}

// New creates an engine. A nil gateway keeps everything in memory. Zero
// option values fall back to DefaultOptions.
func New(adapter ble.Adapter, gateway store.Gateway, opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.LocalName == "" {
		opts.LocalName = def.LocalName
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.ExchangeCharUUID == "" {
		opts.ExchangeCharUUID = def.ExchangeCharUUID
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = def.ScanInterval
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.ExchangeInterval <= 0 {
		opts.ExchangeInterval = def.ExchangeInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.HistoryPolicy == "" {
		opts.HistoryPolicy = def.HistoryPolicy
	}
	if opts.Permissions == nil {
		opts.Permissions = def.Permissions
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		adapter:   adapter,
		gateway:   gateway,
		opts:      opts,
		logger:    logger,
		registry:  peer.NewRegistry(opts.AllowList, logger),
		state:     state.New(opts.HistoryPolicy),
		assembler: protocol.NewAssembler(4 * protocol.MaxAttributeBytes),
		conns:     make(map[string]*handle),
		digests:   make(map[string][digestSize]byte),
	}
}

// Start checks permissions, powers the radio, loads persisted data,
// advertises and starts both cycles with an immediate first scan. A
// permission denial is returned so the caller can prompt and retry.
func (e *Engine) Start(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		return nil
	}

	if err := e.opts.Permissions.CheckPermissions(ctx); err != nil {
		e.status(state.EventError, "", "Permission error: "+err.Error())
		return fmt.Errorf("exchange: permissions: %w", err)
	}
	if err := e.adapter.Enable(); err != nil {
		e.status(state.EventError, "", "Bluetooth error: "+err.Error())
		return fmt.Errorf("exchange: enable adapter: %w", err)
	}
	e.status(state.EventStatus, "", "Bluetooth powered on")

	e.load(ctx)
	e.advertise()

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	e.startCycles()
	e.logger.Info("[EXCHANGE] engine started",
		"scan_interval", e.opts.ScanInterval,
		"exchange_interval", e.opts.ExchangeInterval)
	return nil
}

// Stop cancels both cycles and any scan window or connection attempt in
// progress, waits for in-flight exchanges to finish, disconnects every
// peer and stops advertising. Errors along the way are logged.
func (e *Engine) Stop() {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.stopCycles()

	e.mu.Lock()
	handles := make([]*handle, 0, len(e.conns))
	for _, h := range e.conns {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		e.drop(h, "engine stopped")
	}
	e.watchers.Wait()

	if err := e.adapter.StopAdvertising(); err != nil {
		e.logger.Warn("[EXCHANGE] stop advertising failed", "error", err)
	}
	e.status(state.EventStatus, "", "Engine stopped")
	e.logger.Info("[EXCHANGE] engine stopped")
}

// Lifecycle follows the host process between foreground and background.
// Cycles are torn down while not active and restarted on return.
// Connections are kept.
func (e *Engine) Lifecycle(s AppState) {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	started := e.started
	running := e.cycles != nil
	e.mu.Unlock()
	if !started {
		return
	}

	e.logger.Debug("[EXCHANGE] lifecycle", "state", s)
	switch {
	case s == AppActive && !running:
		e.startCycles()
	case s != AppActive && running:
		e.stopCycles()
	}
}

func (e *Engine) startCycles() {
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLogger(cronLogger{e.logger}))

	scan := cron.NewChain(cron.SkipIfStillRunning(cronLogger{e.logger})).Then(cron.FuncJob(func() {
		e.ScanCycle(ctx)
	}))
	exchange := cron.NewChain(cron.SkipIfStillRunning(cronLogger{e.logger})).Then(cron.FuncJob(func() {
		e.ExchangeCycle(ctx)
	}))
	c.Schedule(every(e.opts.ScanInterval), scan)
	c.Schedule(every(e.opts.ExchangeInterval), exchange)

	e.mu.Lock()
	e.cycles = c
	e.cycleCtx = ctx
	e.cancel = cancel
	e.mu.Unlock()

	c.Start()

	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		scan.Run()
	}()
}

func (e *Engine) stopCycles() {
	e.mu.Lock()
	c, cancel := e.cycles, e.cancel
	e.cycles, e.cycleCtx, e.cancel = nil, nil, nil
	e.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	e.jobs.Wait()
}

func (e *Engine) load(ctx context.Context) {
	if e.gateway == nil {
		return
	}
	e.ingest.Lock()
	defer e.ingest.Unlock()

	records, err := e.gateway.LoadRecords(ctx)
	e.recordsLoaded = err == nil
	if err != nil {
		e.logger.Warn("[EXCHANGE] load records failed", "error", err)
		records = e.state.Records()
	}
	history, err := e.gateway.LoadHistory(ctx)
	e.historyLoaded = err == nil
	if err != nil {
		e.logger.Warn("[EXCHANGE] load history failed", "error", err)
		history = e.state.History()
	}
	e.state.Load(records, history)
	e.logger.Info("[EXCHANGE] loaded persisted data", "records", len(records), "history", len(history))
}

func (e *Engine) advertise() {
	services := append([]ble.HostedService{{
		UUID: e.opts.ServiceUUID,
		Characteristics: []ble.HostedCharacteristic{{
			UUID:    e.opts.ExchangeCharUUID,
			OnWrite: e.handleWrite,
		}},
	}}, e.opts.ExtraServices...)

	err := e.adapter.Advertise(ble.AdvertiseOptions{LocalName: e.opts.LocalName, Services: services})
	switch {
	case errors.Is(err, ble.ErrUnsupported):
		e.logger.Info("[EXCHANGE] advertising unsupported, running as central only")
		return
	case err != nil:
		e.logger.Warn("[EXCHANGE] advertise failed", "error", err)
		e.status(state.EventError, "", "Advertise error: "+err.Error())
		return
	}
	e.publishLocal()
}

func (e *Engine) status(kind state.EventKind, peerID, msg string) {
	e.state.Publish(state.Event{Kind: kind, PeerID: peerID, Message: msg, Time: e.opts.Now()})
}

// Peers returns every peer seen so far, in first-seen order.
func (e *Engine) Peers() []peer.Device {
	return e.registry.ListVisible()
}

// Connections returns the open peer sessions.
func (e *Engine) Connections() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Connection, 0, len(e.conns))
	for _, d := range e.registry.ListVisible() {
		if h, ok := e.conns[d.ID]; ok {
			out = append(out, Connection{PeerID: h.peerID, Name: h.name, LastExchange: h.lastExchange})
		}
	}
	return out
}

// Records returns the current records, most recent first.
func (e *Engine) Records() []record.Record {
	return e.state.Records()
}

// History returns every history entry in capture order.
func (e *Engine) History() []record.HistoryEntry {
	return e.state.History()
}

// Subscribe streams status, peer and record events until cancel is called.
func (e *Engine) Subscribe() (<-chan state.Event, func()) {
	return e.state.Subscribe()
}

// Disconnect closes the session with a peer. The peer may be joined again
// by a later scan cycle.
func (e *Engine) Disconnect(peerID string) error {
	e.mu.Lock()
	h, ok := e.conns[peerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("exchange: %s is not connected", peerID)
	}
	e.drop(h, "disconnect requested")
	return nil
}

// Forget disconnects a peer if needed and removes it from the registry.
func (e *Engine) Forget(peerID string) {
	_ = e.Disconnect(peerID)
	e.registry.Remove(peerID)
}
