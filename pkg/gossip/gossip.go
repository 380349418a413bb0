package gossip

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

type Config struct {
	Self string
	Addr string
	Net  Network
	// Incarnation defaults to the start time in nanoseconds.
	Incarnation uint64
	Interval    time.Duration
	// SuspectAfter and DeadAfter are suspicion levels, in missed intervals.
	SuspectAfter float64
	DeadAfter    float64
	// Forget drops a dead member after this long; 0 keeps it.
	Forget   time.Duration
	Detector FailureDetector
	Logger   *zap.Logger
	// OnChange sees every state or address change, from the Run goroutine
	// or a delivery handler.
	OnChange func(Member)
	Now      func() time.Time
}

type Gossiper struct {
	cfg     Config
	net     Network
	fd      FailureDetector
	members *memberList
	logger  *zap.Logger
	seq     atomic.Uint64
}

func New(cfg Config) (*Gossiper, error) {
	if cfg.Self == "" || cfg.Net == nil {
		return nil, fmt.Errorf("gossip: self and network are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = 3
	}
	if cfg.DeadAfter <= cfg.SuspectAfter {
		cfg.DeadAfter = cfg.SuspectAfter * 3
	}
	if cfg.Incarnation == 0 {
		cfg.Incarnation = uint64(cfg.Now().UnixNano())
	}
	if cfg.Detector == nil {
		cfg.Detector = NewIntervalDetector(cfg.Interval)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gossiper{
		cfg:     cfg,
		net:     cfg.Net,
		fd:      cfg.Detector,
		members: newMemberList(),
		logger:  cfg.Logger.Named("gossip").With(zap.String("node_id", cfg.Self)),
	}, nil
}

// Register installs the heartbeat handler.
func (g *Gossiper) Register() error {
	return g.net.Register(wire.MsgHeartbeat, delivery.HandlerFunc(g.handleHeartbeat))
}

func (g *Gossiper) handleHeartbeat(_ context.Context, env wire.Envelope) ([]byte, error) {
	h, err := decodeHeartbeat(env.Payload)
	if err != nil {
		return nil, err
	}
	if h.NodeID == g.cfg.Self {
		return nil, nil
	}
	now := g.cfg.Now()
	g.fd.Observe(h.NodeID, now)
	if m, changed := g.members.heard(h, now); changed {
		g.notify(m)
	}
	return nil, nil
}

// Run beats and sweeps until ctx is done.
func (g *Gossiper) Run(ctx context.Context) error {
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	g.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			g.beat(ctx)
			g.sweep()
		}
	}
}

func (g *Gossiper) beat(ctx context.Context) {
	payload, err := Heartbeat{
		NodeID:      g.cfg.Self,
		Addr:        g.cfg.Addr,
		Incarnation: g.cfg.Incarnation,
		Seq:         g.seq.Add(1),
	}.encode()
	if err != nil {
		g.logger.Error("encode heartbeat", zap.Error(err))
		return
	}
	if _, err := g.net.Send(ctx, wire.Broadcast, wire.MsgHeartbeat, payload, delivery.FireAndForget(wire.PriorityLow)); err != nil {
		g.logger.Debug("heartbeat not sent", zap.Error(err))
	}
}

// sweep moves members along Alive -> Suspect -> Dead by suspicion level.
func (g *Gossiper) sweep() {
	now := g.cfg.Now()
	for _, m := range g.members.all() {
		phi := g.fd.Suspicion(m.ID, now)
		next := StateAlive
		switch {
		case phi >= g.cfg.DeadAfter:
			next = StateDead
		case phi >= g.cfg.SuspectAfter:
			next = StateSuspect
		}
		if m.State == StateDead && next == StateDead && g.cfg.Forget > 0 && now.Sub(m.LastUpdate) >= g.cfg.Forget {
			g.members.remove(m.ID)
			g.fd.Remove(m.ID)
			g.logger.Info("member forgotten", zap.String("member", m.ID))
			continue
		}
		// only a heartbeat revives a member
		if next == StateAlive || next < m.State {
			continue
		}
		if changed, ok := g.members.set(m.ID, next, now); ok {
			g.notify(changed)
		}
	}
}

func (g *Gossiper) notify(m Member) {
	g.logger.Info("member state", zap.String("member", m.ID), zap.Stringer("state", m.State), zap.String("addr", m.Addr))
	if g.cfg.OnChange != nil {
		g.cfg.OnChange(m)
	}
}

// Members returns the known peers sorted by id.
func (g *Gossiper) Members() []Member { return g.members.all() }

func (g *Gossiper) Member(id string) (Member, bool) { return g.members.get(id) }

// Alive returns the ids of peers currently considered alive.
func (g *Gossiper) Alive() []string {
	var out []string
	for _, m := range g.members.all() {
		if m.State == StateAlive {
			out = append(out, m.ID)
		}
	}
	return out
}
