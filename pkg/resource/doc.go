// Package resource holds the replicated data model of the mesh and the two
// components that keep it consistent: the Store, an in-memory table of
// resources and their per-node instances, and the ConflictEngine, which
// classifies divergence between instances and applies resolution strategies.
//
// Every mutation of a resource, whether it comes from a local API call, a
// remote update applied by replication, or the conflict resolver, goes
// through Store.mutate so that a single write lock orders them.
//
// Conflicts are state, not errors. A resource with unresolved conflicts is
// Conflicted and stays readable; only a Critical conflict blocks writes,
// which then fail with ErrConflictPending until it is resolved.
package resource
