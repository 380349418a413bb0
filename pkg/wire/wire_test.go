package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "mesh/nodes/n1/direct", DirectTopic("n1"))
	assert.Equal(t, "mesh/broadcast", BroadcastTopic)
	assert.Equal(t, "mesh/contexts/team/a/conflicts", ContextTopic("team/a", "conflicts"))
	assert.Equal(t, "mesh/discovery", DiscoveryTopic)

	assert.Equal(t, BroadcastTopic, TopicFor(Broadcast))
	assert.Equal(t, BroadcastTopic, TopicFor(""))
	assert.Equal(t, DirectTopic("n2"), TopicFor("n2"))

	id, ok := NodeFromDirectTopic("mesh/nodes/n7/direct")
	require.True(t, ok)
	assert.Equal(t, "n7", id)
	_, ok = NodeFromDirectTopic("mesh/broadcast")
	assert.False(t, ok)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope("n1", "n2", MsgResourceUpdate, []byte("body")).WithContext("docs")
	require.NotEmpty(t, env.MessageID)
	assert.False(t, env.IsBroadcast())

	b, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"from_node":"n1"`)
	assert.Contains(t, string(b), `"message_type":"resource_update"`)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, "n2", got.Target())
	assert.Equal(t, "docs", got.ContextName())
	assert.Equal(t, []byte("body"), got.Payload)
}

func TestBroadcastEnvelopeHasNullTarget(t *testing.T) {
	env := NewEnvelope("n1", Broadcast, MsgHeartbeat, nil)
	assert.True(t, env.IsBroadcast())
	b, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"to_node":null`)
	assert.Contains(t, string(b), `"context":null`)
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"from_node":"a","message_type":"control"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Decode([]byte(`{"from_node":"a","message_type":"bogus","message_id":"x"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestControlPayloads(t *testing.T) {
	assert.Equal(t, "ACK:abc-123", string(AckPayload("abc-123")))

	kind, id, _ := ParseControl(AckPayload("abc-123"))
	assert.Equal(t, ControlAck, kind)
	assert.Equal(t, "abc-123", id)

	kind, id, detail := ParseControl(NackPayload("m1", "no handler for custom"))
	assert.Equal(t, ControlNack, kind)
	assert.Equal(t, "m1", id)
	assert.Equal(t, "no handler for custom", string(detail))

	kind, id, detail = ParseControl(ResponsePayload("m2", []byte("a:b")))
	assert.Equal(t, ControlResponse, kind)
	assert.Equal(t, "m2", id)
	assert.Equal(t, "a:b", string(detail))

	kind, _, _ = ParseControl([]byte("ACK:"))
	assert.Equal(t, ControlUnknown, kind)
	kind, _, _ = ParseControl([]byte("hello"))
	assert.Equal(t, ControlUnknown, kind)
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityHigh < PriorityCritical)
	assert.Equal(t, "critical", PriorityCritical.String())
}
