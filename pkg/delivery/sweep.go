package delivery

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// byUrgency orders pending messages: higher priority first, then oldest.
func byUrgency(a, b *pendingMessage) int {
	if a.opts.Priority != b.opts.Priority {
		if a.opts.Priority > b.opts.Priority {
			return -1
		}
		return 1
	}
	return a.firstSentAt.Compare(b.firstSentAt)
}

// sweepTimeouts removes every message older than its timeout, whatever its
// retry count, and reports TimedOut.
func (m *Manager) sweepTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var expired []*pendingMessage
	for id, pm := range m.pending {
		if now.Sub(pm.firstSentAt) > pm.opts.Timeout {
			delete(m.pending, id)
			expired = append(expired, pm)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(expired, byUrgency)
	for _, pm := range expired {
		t := pm.envelope.MessageType
		m.stats.RecordTimeout(t)
		m.logger.Info("message timed out",
			zap.String("message_id", pm.envelope.MessageID),
			zap.String("type", string(t)),
			zap.Int("retries", pm.retryCount))
		pm.finish(Result{Status: StatusTimedOut})
	}
}

// sweepRetries republishes messages whose last send is older than
// ResendAfter, most urgent first, and fails those out of retries.
func (m *Manager) sweepRetries() {
	now := time.Now()

	m.mu.Lock()
	var due []*pendingMessage
	for _, pm := range m.pending {
		if now.Sub(pm.sentAt) >= m.cfg.ResendAfter {
			due = append(due, pm)
		}
	}
	slices.SortFunc(due, byUrgency)

	var resend, exhausted []*pendingMessage
	for _, pm := range due {
		if pm.retryCount < pm.opts.MaxRetries {
			pm.retryCount++
			pm.sentAt = now
			resend = append(resend, pm)
		} else {
			delete(m.pending, pm.envelope.MessageID)
			exhausted = append(exhausted, pm)
		}
	}
	m.mu.Unlock()

	for _, pm := range exhausted {
		t := pm.envelope.MessageType
		m.stats.RecordFailure(t, reasonMaxRetries)
		m.logger.Info("giving up on message",
			zap.String("message_id", pm.envelope.MessageID),
			zap.String("type", string(t)),
			zap.Int("retries", pm.retryCount))
		pm.finish(Result{Status: StatusFailed, Reason: reasonMaxRetries})
	}

	// raw and topic never change after Send, so they are read without the lock
	for _, pm := range resend {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		err := m.publish(ctx, pm.topic, pm.raw)
		cancel()
		m.stats.RecordRetry(pm.envelope.MessageType)
		if err != nil {
			m.logger.Debug("resend failed", zap.String("message_id", pm.envelope.MessageID), zap.Error(err))
			continue
		}
		m.logger.Debug("resent",
			zap.String("message_id", pm.envelope.MessageID),
			zap.Stringer("priority", pm.opts.Priority),
			zap.Int("attempt", pm.retryCount))
	}
}
