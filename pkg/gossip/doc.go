// Package gossip tracks mesh membership from heartbeats. Every node
// broadcasts a small heartbeat on the delivery layer at a fixed interval;
// receivers feed arrival times to a FailureDetector and move members through
// Alive, Suspect and Dead as heartbeats stop.
//
// Typical usage:
//
//	g, _ := gossip.New(gossip.Config{Self: "node1", Net: dm})
//	_ = g.Register()
//	go g.Run(ctx)
//
// Deployments with etcd get the same directory from package registry; the
// two can run side by side.
package gossip
