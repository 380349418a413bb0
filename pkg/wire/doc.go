// Package wire defines the on-the-wire contract shared by every zephyrmesh
// node: the message envelope, the closed set of message kinds, delivery
// priorities, topic names and the control payloads used for acknowledgments.
//
// Topic names and envelope field names are part of the interoperability
// contract and must not change:
//
//	mesh/nodes/{node_id}/direct     direct delivery to one node
//	mesh/broadcast                  every node
//	mesh/contexts/{context}/{sub}   context-scoped traffic
//	mesh/discovery                  announcements (owned by discovery)
//
// Typical usage:
//
//	env := wire.NewEnvelope("node1", "node2", wire.MsgResourceUpdate, payload)
//	b, _ := env.Encode()
//	_ = t.Publish(ctx, wire.DirectTopic("node2"), b)
package wire
