// Package gc implements version garbage collection for the document store.
//
// # Version Garbage Collection
//
// Removing a node only tombstones its document: the row stays so readers at
// older revisions keep seeing the node. The [Collector] physically removes
// documents whose removal is older than the max revision age:
//
//	olderThan = now - maxRevisionAge
//
// A live checkpoint pinning a revision older than olderThan still observes
// state the collector would remove, so the whole run is skipped and
// reported with IgnoredGCDueToCheckPoint. Otherwise each candidate returned
// by the store scan is re-read and removed only if it is still deleted by a
// committed revision older than olderThan. A node that was removed and
// created again is live and never touched.
//
// # Failed Commits
//
// A writer records an intent naming every document it is about to touch
// before its first write. An intent older than the stale commit age whose
// revision never reached the journal is reverted: its entries are purged
// from the named documents and documents left empty are removed.
//
// # Journal Compaction
//
// At the end of a run the journal base is moved up to the horizon, capped
// at the oldest checkpoint and below the oldest outstanding intent, and
// the journal records it covers are deleted.
//
// Runs on one collector are exclusive: a second Collect while one is in
// progress fails with [ErrGCRunning].
//
// # Usage
//
//	c := gc.NewCollector(docs, journal, checkpoints, blobs, clock.Real{}, gc.CollectorConfig{
//	    MaxRevisionAge: 24 * time.Hour,
//	    Interval:       time.Hour,
//	})
//	c.Start()
//	defer c.Stop()
//
// # Orphaned Blobs
//
// The [OrphanBlobWorker] deletes blobs that no document value references
// once they are older than the orphan TTL.
package gc
