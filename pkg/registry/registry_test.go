package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func put(key, val string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestNodeIDFromKey(t *testing.T) {
	r := New(nil, "/mesh/nodes", nil)
	tests := []struct {
		key string
		id  string
		ok  bool
	}{
		{"/mesh/nodes/a", "a", true},
		{"/mesh/nodes/", "", false},
		{"/mesh/nodes/a/extra", "", false},
		{"/other/a", "", false},
	}
	for _, tt := range tests {
		id, ok := r.nodeID(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.id, id, tt.key)
	}
}

func TestApplyEvents(t *testing.T) {
	r := New(nil, "", nil)
	peers := map[string]string{}

	assert.True(t, r.apply(peers, put(DefaultPrefix+"a", "10.0.0.1:8080")))
	assert.False(t, r.apply(peers, put(DefaultPrefix+"a", "10.0.0.1:8080")), "same address is not a change")
	assert.True(t, r.apply(peers, put(DefaultPrefix+"a", "10.0.0.2:8080")))
	assert.True(t, r.apply(peers, put(DefaultPrefix+"b", "10.0.0.3:8080")))
	assert.Equal(t, map[string]string{"a": "10.0.0.2:8080", "b": "10.0.0.3:8080"}, peers)

	assert.True(t, r.apply(peers, del(DefaultPrefix+"a")))
	assert.False(t, r.apply(peers, del(DefaultPrefix+"a")))
	assert.False(t, r.apply(peers, put("/elsewhere/c", "x")))
	assert.Equal(t, map[string]string{"b": "10.0.0.3:8080"}, peers)
}
