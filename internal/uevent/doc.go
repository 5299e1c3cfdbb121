// Package uevent is the consolidation core of the device lifecycle
// daemon. A listener goroutine accumulates kernel block-device uevents
// from the netlink monitor under burst-adaptive polling and splices them
// onto a shared queue; the dispatch goroutine drains the queue, rewrites
// each batch into a minimal causally consistent set (discard, filter,
// merge) and invokes the installed trigger once per surviving record.
//
// Architecture:
//
//	┌───────────────────────────────┐
//	│  netlink uevent socket        │
//	└──────────────┬────────────────┘
//	               │ poll (adaptive timeout)
//	               ▼
//	┌───────────────────────────────┐
//	│  Listen                       │  ← builds Records, local batch
//	└──────────────┬────────────────┘
//	               │ splice + signal
//	               ▼
//	┌───────────────────────────────┐
//	│  Queue (mutex + condvar)      │
//	└──────────────┬────────────────┘
//	               │ drain whole queue
//	               ▼
//	┌───────────────────────────────┐
//	│  merge engine                 │  ← prepare / filter / merge
//	└──────────────┬────────────────┘
//	               │ per survivor
//	               ▼
//	┌───────────────────────────────┐
//	│  Trigger + release            │
//	└───────────────────────────────┘
//
// A Record's fields are views into one fixed arena; ownership of a record
// is single-goroutine at all times except for the O(1) hand-off under the
// queue mutex.
package uevent
