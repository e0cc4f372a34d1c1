// Package handle implements the registry of opaque handles to callback
// objects (mappers, reducers, lazy computes, resources, notifiers).
//
// A Handle is an (index, generation) pair into a slot map. Deleting a handle
// bumps the slot's generation and pushes the index on a free list, so ids are
// recycled while stale handles are detected instead of silently resolving to
// whatever object reused the slot.
//
// The table is the sole arbiter of callback lifetime: every handle must be
// deleted exactly once. Using or deleting a stale handle returns an
// ir.ErrCodeStaleHandle error (a defect).
package handle
