package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdTransport carries each message as a key under {prefix}{topic}/ bound to
// a short lease, and subscribes with a prefix watch. etcd orders writes, but
// callers must not rely on that: the contract stays unordered.
type EtcdTransport struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	logger *zap.Logger

	mu      sync.RWMutex
	handler Handler
	watches map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

type EtcdConfig struct {
	Prefix string // key namespace, default "/zephyrmesh/"
	TTL    int64  // lease seconds per message, default 60
	Logger *zap.Logger
}

func NewEtcdTransport(cli *clientv3.Client, cfg EtcdConfig) *EtcdTransport {
	if cfg.Prefix == "" {
		cfg.Prefix = "/zephyrmesh/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &EtcdTransport{
		cli:     cli,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.Named("transport.etcd"),
		watches: make(map[string]context.CancelFunc),
	}
}

func (t *EtcdTransport) topicKey(topic string) string {
	return t.prefix + topic + "/"
}

func (t *EtcdTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.isClosed() {
		return &TransportError{Op: "publish", Topic: topic, Err: ErrClosed}
	}
	lease, err := t.cli.Grant(ctx, t.ttl)
	if err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	key := t.topicKey(topic) + ulid.Make().String()
	if _, err := t.cli.Put(ctx, key, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (t *EtcdTransport) Subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Op: "subscribe", Topic: topic, Err: ErrClosed}
	}
	if _, ok := t.watches[topic]; ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	ch := t.cli.Watch(wctx, t.topicKey(topic), clientv3.WithPrefix())
	t.watches[topic] = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for resp := range ch {
			if err := resp.Err(); err != nil {
				t.logger.Warn("watch error", zap.String("topic", topic), zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				t.dispatch(topic, ev.Kv.Value)
			}
		}
	}()
	return nil
}

func (t *EtcdTransport) dispatch(topic string, payload []byte) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h != nil {
		h(topic, payload)
	}
}

func (t *EtcdTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *EtcdTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for topic, cancel := range t.watches {
		cancel()
		delete(t.watches, topic)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *EtcdTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
