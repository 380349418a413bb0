// Package delivery turns an unordered, best-effort pub/sub transport into
// reliable messaging: unique message ids, acknowledgment tracking, bounded
// retry, timeouts, priority-ordered sweeps and per-message results.
//
// Every acknowledged send yields exactly one terminal Result. The pending
// table is the arbiter: whichever path removes an entry (ack, retry
// exhaustion, timeout) is the only one that notifies the waiter.
//
// Broadcasts are always fire-and-forget. Asking for an acknowledgment on a
// broadcast is rejected with ErrBroadcastAck; use Multicast to get
// acknowledged fan-out to a known set of nodes.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

type Config struct {
	NodeID    string
	Transport transport.Transport
	Logger    *zap.Logger
	Stats     StatsCollector

	MaxMessageSize int
	// ResendAfter is how long a pending message waits for its ack before
	// the retry sweep publishes it again.
	ResendAfter     time.Duration
	RetryInterval   time.Duration
	TimeoutInterval time.Duration
	// MaxInflight caps the pending table; 0 means unlimited.
	MaxInflight int
	// DisableInboundAck stops this node from acknowledging what it receives.
	DisableInboundAck bool
	// DrainOnStop fails every pending message on Stop instead of abandoning it.
	DrainOnStop bool

	DedupWindow    time.Duration
	DedupEstimate  uint
	HandlerTimeout time.Duration
	PublishTimeout time.Duration

	// InboundRate limits messages per second accepted from one sender; 0 disables.
	InboundRate  int
	InboundBurst int

	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Stats == nil {
		c.Stats = NewMemoryStats()
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.ResendAfter <= 0 {
		c.ResendAfter = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.DedupEstimate == 0 {
		c.DedupEstimate = 100000
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.InboundBurst == 0 {
		c.InboundBurst = c.InboundRate
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
}

type pendingMessage struct {
	envelope    wire.Envelope
	raw         []byte
	topic       string
	opts        Options
	firstSentAt time.Time
	sentAt      time.Time
	retryCount  int
	result      chan Result
}

func (p *pendingMessage) finish(r Result) {
	r.MessageID = p.envelope.MessageID
	p.result <- r // buffered(1), only the remover calls finish
}

type Manager struct {
	cfg       Config
	nodeID    string
	transport transport.Transport
	logger    *zap.Logger
	stats     StatsCollector
	breaker   *gobreaker.CircuitBreaker

	running   atomic.Bool
	recvMu    sync.RWMutex // orders inflight.Add against Stop
	stopCh    chan struct{}
	sweepers  sync.WaitGroup
	inflight  sync.WaitGroup
	lifecycle sync.Mutex

	mu      sync.RWMutex
	pending map[string]*pendingMessage

	hmu      sync.RWMutex
	handlers map[wire.MessageType]Handler

	seenMu     sync.Mutex
	seenFilter *bloom.BloomFilter
	seen       *kv.Store

	limiter      *limiter.TokenBucket
	limiterStore store.Store
}

func New(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("delivery: node id is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("delivery: transport is required")
	}
	cfg.setDefaults()

	m := &Manager{
		cfg:        cfg,
		nodeID:     cfg.NodeID,
		transport:  cfg.Transport,
		logger:     cfg.Logger.Named("delivery").With(zap.String("node_id", cfg.NodeID)),
		stats:      cfg.Stats,
		pending:    make(map[string]*pendingMessage),
		handlers:   make(map[wire.MessageType]Handler),
		seenFilter: bloom.NewWithEstimates(cfg.DedupEstimate, 0.01),
		seen:       kv.NewStore(0),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "publish:" + cfg.NodeID,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Info("publish breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	if cfg.InboundRate < 0 {
		return nil, fmt.Errorf("delivery: inbound rate %d: %w", cfg.InboundRate, limiter.ErrInvalidRate)
	}
	if cfg.InboundRate > 0 {
		ms := store.NewMemoryStore(time.Minute)
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.InboundRate),
				Duration: time.Second,
				Burst:    int64(cfg.InboundBurst),
			},
			ms,
		)
		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("delivery: inbound limiter: %w", err)
		}
		m.limiterStore, m.limiter = ms, tb
	}
	return m, nil
}

func (m *Manager) NodeID() string { return m.nodeID }

func (m *Manager) Stats() StatsCollector { return m.stats }

func (m *Manager) IsRunning() bool { return m.running.Load() }

// Register binds the handler for one message kind, replacing any previous one.
func (m *Manager) Register(t wire.MessageType, h Handler) error {
	if t == wire.MsgControl {
		return ErrReservedType
	}
	if !t.IsValid() {
		return fmt.Errorf("%w: %q", wire.ErrUnknownType, t)
	}
	m.hmu.Lock()
	m.handlers[t] = h
	m.hmu.Unlock()
	return nil
}

func (m *Manager) handler(t wire.MessageType) Handler {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	return m.handlers[t]
}

// Start subscribes to this node's direct topic and the broadcast topic and
// launches the sweepers.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.running.Load() {
		return nil
	}

	m.transport.SetHandler(m.receive)
	for _, topic := range []string{wire.DirectTopic(m.nodeID), wire.BroadcastTopic} {
		if err := m.transport.Subscribe(ctx, topic); err != nil {
			return &NetworkError{Topic: topic, Cause: err}
		}
	}

	m.stopCh = make(chan struct{})
	m.running.Store(true)

	m.sweepers.Add(3)
	go m.loop(m.cfg.TimeoutInterval, m.sweepTimeouts)
	go m.loop(m.cfg.RetryInterval, m.sweepRetries)
	go m.loop(m.cfg.DedupWindow/2, m.sweepSeen)

	m.logger.Info("delivery manager started")
	return nil
}

// Stop halts the sweepers and waits for running handlers. Pending messages
// are abandoned unless DrainOnStop is set.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.recvMu.Lock()
	was := m.running.Swap(false)
	m.recvMu.Unlock()
	if !was {
		return
	}
	close(m.stopCh)
	m.sweepers.Wait()
	m.inflight.Wait()

	m.mu.Lock()
	abandoned := m.pending
	m.pending = make(map[string]*pendingMessage)
	m.mu.Unlock()

	if m.cfg.DrainOnStop {
		for _, pm := range abandoned {
			pm.finish(Result{Status: StatusFailed, Reason: ErrStopped.Error()})
		}
	}
	m.logger.Info("delivery manager stopped", zap.Int("abandoned", len(abandoned)))
}

func (m *Manager) loop(every time.Duration, fn func()) {
	defer m.sweepers.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if !m.running.Load() {
				return
			}
			fn()
		}
	}
}

// Pending returns the number of messages awaiting acknowledgment.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Send publishes one message to target (a node id or wire.Broadcast). When
// opts.RequireAck is set the returned channel yields exactly one Result;
// otherwise the channel is nil and nothing is tracked.
func (m *Manager) Send(ctx context.Context, target string, t wire.MessageType, payload []byte, opts Options) (<-chan Result, error) {
	if !m.running.Load() {
		return nil, ErrNotActive
	}
	if t == wire.MsgControl {
		return nil, ErrReservedType
	}
	if len(payload) > m.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(payload), m.cfg.MaxMessageSize)
	}
	broadcast := target == "" || target == wire.Broadcast
	if broadcast && opts.RequireAck {
		return nil, ErrBroadcastAck
	}

	env := wire.NewEnvelope(m.nodeID, target, t, payload).WithContext(opts.Context)
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	topic := wire.TopicFor(target)

	var pm *pendingMessage
	if opts.RequireAck {
		opts = normalize(opts)
		now := time.Now()
		pm = &pendingMessage{
			envelope:    env,
			raw:         raw,
			topic:       topic,
			opts:        opts,
			firstSentAt: now,
			sentAt:      now,
			result:      make(chan Result, 1),
		}
		// registered before publishing so a fast ack cannot miss the entry
		m.mu.Lock()
		if m.cfg.MaxInflight > 0 && len(m.pending) >= m.cfg.MaxInflight {
			m.mu.Unlock()
			return nil, ErrTooManyInflight
		}
		m.pending[env.MessageID] = pm
		m.mu.Unlock()
	}

	if err := m.publish(ctx, topic, raw); err != nil {
		if pm != nil {
			m.mu.Lock()
			delete(m.pending, env.MessageID)
			m.mu.Unlock()
		}
		return nil, err
	}
	m.stats.RecordSent(t, opts.Context, len(raw))
	m.logger.Debug("sent",
		zap.String("message_id", env.MessageID),
		zap.String("type", string(t)),
		zap.String("target", target),
		zap.Stringer("priority", opts.Priority),
		zap.Bool("ack", opts.RequireAck))

	if pm == nil {
		return nil, nil
	}
	return pm.result, nil
}

func normalize(o Options) Options {
	d := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// SendAndWait is Send followed by Await.
func (m *Manager) SendAndWait(ctx context.Context, target string, t wire.MessageType, payload []byte, opts Options) (Result, error) {
	opts.RequireAck = true
	ch, err := m.Send(ctx, target, t, payload, opts)
	if err != nil {
		return Result{}, err
	}
	return Await(ctx, ch)
}

// Await blocks for the terminal result or until ctx is done.
func Await(ctx context.Context, ch <-chan Result) (Result, error) {
	if ch == nil {
		return Result{}, fmt.Errorf("delivery: nothing to await for an unacknowledged send")
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Multicast sends an acknowledged copy to each target and waits for all
// results. Targets whose send fails synchronously report StatusFailed.
func (m *Manager) Multicast(ctx context.Context, targets []string, t wire.MessageType, payload []byte, opts Options) map[string]Result {
	opts.RequireAck = true
	out := make(map[string]Result, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		if target == m.nodeID || target == "" || target == wire.Broadcast {
			continue
		}
		g.Go(func() error {
			r, err := m.SendAndWait(ctx, target, t, payload, opts)
			if err != nil {
				r = Result{Status: StatusFailed, Reason: err.Error()}
			}
			mu.Lock()
			out[target] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// JoinContext subscribes to a context-scoped topic.
func (m *Manager) JoinContext(ctx context.Context, scope, subtopic string) error {
	topic := wire.ContextTopic(scope, subtopic)
	if err := m.transport.Subscribe(ctx, topic); err != nil {
		return &NetworkError{Topic: topic, Cause: err}
	}
	return nil
}

// PublishContext sends a fire-and-forget message on a context-scoped topic.
func (m *Manager) PublishContext(ctx context.Context, scope, subtopic string, t wire.MessageType, payload []byte) error {
	if !m.running.Load() {
		return ErrNotActive
	}
	if t == wire.MsgControl {
		return ErrReservedType
	}
	if len(payload) > m.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, len(payload), m.cfg.MaxMessageSize)
	}
	env := wire.NewEnvelope(m.nodeID, wire.Broadcast, t, payload).WithContext(scope)
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	topic := wire.ContextTopic(scope, subtopic)
	if err := m.publish(ctx, topic, raw); err != nil {
		return err
	}
	m.stats.RecordSent(t, scope, len(raw))
	return nil
}

func (m *Manager) publish(ctx context.Context, topic string, raw []byte) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.transport.Publish(ctx, topic, raw)
	})
	if err != nil {
		return &NetworkError{Topic: topic, Cause: err}
	}
	return nil
}
