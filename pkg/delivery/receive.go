package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

// receive is the transport callback. It never blocks on handler execution.
func (m *Manager) receive(topic string, payload []byte) {
	env, err := wire.Decode(payload)
	if err != nil {
		m.logger.Debug("dropping undecodable message", zap.String("topic", topic), zap.Error(err))
		return
	}
	if env.FromNode == m.nodeID {
		return
	}
	if env.ToNode != nil && *env.ToNode != m.nodeID {
		return
	}
	m.stats.RecordReceived(env.MessageType, env.ContextName(), len(payload))

	if env.MessageType == wire.MsgControl {
		m.handleControl(env)
		return
	}

	if m.limiter != nil && !m.limiter.Allow(env.FromNode) {
		// no ack: the sender's retry sweep will try again
		m.logger.Warn("inbound rate limit exceeded",
			zap.String("from", env.FromNode), zap.String("message_id", env.MessageID))
		return
	}

	if !m.markSeen(env.MessageID) {
		m.replayReply(env)
		return
	}

	h := m.handler(env.MessageType)
	if h == nil {
		reason := fmt.Sprintf("no handler for %s", env.MessageType)
		m.logger.Warn("no handler", zap.String("type", string(env.MessageType)), zap.String("from", env.FromNode))
		if m.shouldAck(env) {
			ctrl := wire.NackPayload(env.MessageID, reason)
			m.remember(env.MessageID, ctrl)
			m.sendControl(env.FromNode, ctrl)
		}
		return
	}

	m.recvMu.RLock()
	if !m.running.Load() {
		m.recvMu.RUnlock()
		m.forget(env.MessageID)
		return
	}
	m.inflight.Add(1)
	m.recvMu.RUnlock()

	go func() {
		defer m.inflight.Done()
		m.dispatch(h, env)
	}()
}

func (m *Manager) dispatch(h Handler, env wire.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandlerTimeout)
	defer cancel()

	reply, err := invoke(ctx, h, env)
	if err != nil {
		// forget the id so a retried copy runs the handler again
		m.forget(env.MessageID)
		m.logger.Warn("handler failed", zap.Error(err))
		return
	}
	if !m.shouldAck(env) {
		return
	}
	ctrl := wire.AckPayload(env.MessageID)
	if reply != nil {
		ctrl = wire.ResponsePayload(env.MessageID, reply)
	}
	m.remember(env.MessageID, ctrl)
	m.sendControl(env.FromNode, ctrl)
}

func invoke(ctx context.Context, h Handler, env wire.Envelope) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{MessageType: env.MessageType, MessageID: env.MessageID, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	reply, err = h.HandleMessage(ctx, env)
	if err != nil {
		err = &HandlerError{MessageType: env.MessageType, MessageID: env.MessageID, Cause: err}
	}
	return reply, err
}

// Broadcasts are never tracked by the sender, so they are never acknowledged.
func (m *Manager) shouldAck(env wire.Envelope) bool {
	return !m.cfg.DisableInboundAck && !env.IsBroadcast()
}

func (m *Manager) sendControl(to string, payload []byte) {
	env := wire.NewEnvelope(m.nodeID, to, wire.MsgControl, payload)
	raw, err := env.Encode()
	if err != nil {
		m.logger.Error("encode control message", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	topic := wire.DirectTopic(to)
	if err := m.publish(ctx, topic, raw); err != nil {
		m.logger.Debug("control publish failed", zap.String("to", to), zap.Error(err))
		return
	}
	m.stats.RecordSent(wire.MsgControl, "", len(raw))
}

func (m *Manager) handleControl(env wire.Envelope) {
	kind, id, detail := wire.ParseControl(env.Payload)
	switch kind {
	case wire.ControlAck:
		m.complete(id, Result{Status: StatusDelivered})
	case wire.ControlNack:
		m.complete(id, Result{Status: StatusFailed, Reason: string(detail)})
	case wire.ControlResponse:
		m.complete(id, Result{Status: StatusResponse, Data: append([]byte(nil), detail...)})
	default:
		m.logger.Debug("unrecognised control payload", zap.String("from", env.FromNode))
	}
}

// complete resolves a pending message from a control reply. Late or
// duplicate replies find no entry and are ignored.
func (m *Manager) complete(id string, r Result) {
	m.mu.Lock()
	pm, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	t := pm.envelope.MessageType
	if r.OK() {
		m.stats.RecordDelivered(t, time.Since(pm.firstSentAt))
	} else {
		m.stats.RecordFailure(t, r.Reason)
	}
	m.logger.Debug("completed",
		zap.String("message_id", id),
		zap.Stringer("status", r.Status),
		zap.Int("retries", pm.retryCount))
	pm.finish(r)
}

// markSeen records id and reports whether it was new. The bloom filter
// answers "definitely new" without touching the exact window.
func (m *Manager) markSeen(id string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seenFilter.TestString(id) && m.seen.Has(id) {
		return false
	}
	m.seenFilter.AddString(id)
	m.seen.Put(id, nil, m.cfg.DedupWindow)
	return true
}

func (m *Manager) remember(id string, ctrl []byte) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.seen.Put(id, ctrl, m.cfg.DedupWindow)
}

func (m *Manager) forget(id string) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.seen.Delete(id)
}

// replayReply answers a duplicate with the reply sent for the original, in
// case that reply was lost. Nothing is sent while the handler is running.
func (m *Manager) replayReply(env wire.Envelope) {
	m.seenMu.Lock()
	ctrl, ok := m.seen.Get(env.MessageID)
	m.seenMu.Unlock()
	if !ok || len(ctrl) == 0 || !m.shouldAck(env) {
		return
	}
	m.logger.Debug("duplicate message, replaying reply", zap.String("message_id", env.MessageID))
	m.sendControl(env.FromNode, ctrl)
}

// sweepSeen expires old ids and rebuilds the bloom filter from what is left.
func (m *Manager) sweepSeen() {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seen.Sweep() == 0 {
		return
	}
	bf := bloom.NewWithEstimates(m.cfg.DedupEstimate, 0.01)
	for _, id := range m.seen.Keys() {
		bf.AddString(id)
	}
	m.seenFilter = bf
}
