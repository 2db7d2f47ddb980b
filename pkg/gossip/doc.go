// Package gossip tracks the members of a zephyrcast cluster with
// hashicorp/memberlist, the SWIM-style gossip protocol.
//
// It is the etcd-free alternative to package registry: nodes find each other
// through seed addresses, and failure detection comes from memberlist's probe
// cycle. Each member advertises its node id and HTTP address as metadata.
//
// Typical usage:
//
//	g, _ := gossip.New(gossip.Config{NodeID: "node1", BindAddr: "0.0.0.0", BindPort: 7946})
//	defer g.Stop()
//	_ = g.Join([]string{"10.0.0.2:7946"})
//	n := g.EstimateNodeCount()
package gossip
