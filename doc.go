// Package concmark implements the concurrent marking engine of a
// region-based, pause-time-targeted tracing garbage collector.
//
// It identifies all objects reachable from a set of roots while
// mutator threads continue to run, under a snapshot-at-the-beginning
// (SATB) invariant, driven through a four-phase cycle:
// initial-mark, concurrent-mark, remark, and cleanup. The package does
// not implement the heap itself, the write barrier, safepoint
// coordination, root scanning, or the sweep/evacuation phase that
// consumes the mark result — those are external collaborators
// described by the interfaces in heap.go.
package concmark
