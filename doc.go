// Package replikv implements an eventually-consistent, peer-to-peer replicated
// key-value store with hierarchical, slash-delimited path keys.
//
// Each ReplicationNode holds a full local replica on a durable Store, accepts
// local reads and writes, and gossips updates to a mesh of peers over a
// Transport wrapped in a SecurityEnvelope. Convergence under concurrent
// writes, restarts, partitions, and message loss is provided by a
// VectorClock causality layer, a pluggable ConflictResolver, and a
// pull-based AntiEntropy reconciliation loop.
//
// Store and Transport are the two external collaborators: replikv persists
// nothing itself and opens no sockets itself. Reference implementations are
// provided (store_memory.go, store_sqlite.go, store_s3.go, transport_memory.go,
// transport_ws.go) so the module is runnable out of the box, but any type
// satisfying the Store or Transport interface works.
package replikv
