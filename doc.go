// Package msgstore is a persistent message store with secondary indexes and
// a startup reconciliation job for interrupted sends.
//
// # Overview
//
// A Store keeps Message records in a single pebble DB. Two secondary indexes
// are maintained on the write path once registered:
//
//  1. StateIndex ("delivery-state")
//     Orders messages by (delivery state, id). Enumerating one state walks a
//     contiguous key range; within a state, order is insertion order.
//
//  2. ThreadIndex ("thread")
//     Buckets messages by a hash of their thread id for per-conversation
//     enumeration. Candidates are compared against the real thread id, so
//     hash collisions never leak foreign messages.
//
// # Key layout in pebble
//
//   - "O" + id(u64, BE)                    -> message record (JSON)
//   - "IS" + state(u8) + id(u64, BE)       -> empty value
//   - "IT" + hash(u64, BE) + id(u64, BE)   -> empty value
//   - "Mu"                                 -> store instance UUID
//   - "Mx" + index name                    -> readiness marker (index version)
//
// # Index readiness
//
// Indexes are not queryable right after registration. The process-wide
// IndexRegistry tracks a tri-state readiness per (store, index):
// Unregistered, Building, Ready. EnsureIndexAsync schedules a one-off build
// on a background goroutine; EnsureIndexBlocking joins the same build and
// waits, which is what deterministic tests use. Readiness is persisted in the
// store, so a restart with an unchanged index definition skips the rebuild.
// Enumerating a non-ready index yields nothing rather than failing.
//
// A transaction computes its index deltas at commit time, and commits are
// serialized against build activation: a commit lands either before the
// build's scan snapshot (the scan picks it up) or after the index went live
// (the commit's own deltas cover it), never in between. Index entries commit
// in the same batch as the message change, so data and index never
// contradict each other, even across crashes.
//
// # Failed-messages job
//
// FailedMessagesJob runs once at startup: it enumerates messages stuck in
// StateSending through the state index and transitions outgoing ones to
// StateFailed in a single atomic transaction. Interrupted sends therefore
// never stay visibly "sending" forever. The job is idempotent, safe to rerun
// on every launch, and reports how many messages it moved.
package msgstore
