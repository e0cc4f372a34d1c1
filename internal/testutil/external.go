package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
)

// FakeExternal is an in-memory external service.
//
// Subscribe stores the callbacks and, if seed data was configured for the
// resource, delivers it at once as an initial batch. Tests then drive the
// feed with Push.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeExternal struct {
	mu       sync.Mutex
	seed     map[string][]ir.Entry
	subs     map[string]resource.Callbacks
	log      []string
	shutdown bool
	failWith error
}

// NewFakeExternal creates a service with no seed data.
func NewFakeExternal() *FakeExternal {
	return &FakeExternal{
		seed: make(map[string][]ir.Entry),
		subs: make(map[string]resource.Callbacks),
	}
}

// Seed sets the entries delivered to new subscribers of resource.
func (s *FakeExternal) Seed(resourceName string, entries ...ir.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed[resourceName] = entries
}

// FailSubscribe makes every later Subscribe fail with err.
func (s *FakeExternal) FailSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Subscribe implements resource.ExternalService.
func (s *FakeExternal) Subscribe(ctx context.Context, instanceID, resourceName string, params ir.Value, cb resource.Callbacks) error {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	s.subs[instanceID] = cb
	s.log = append(s.log, fmt.Sprintf("subscribe %s %s %s", instanceID, resourceName, ir.Format(params)))
	seed, ok := s.seed[resourceName]
	s.mu.Unlock()

	if ok {
		return cb.Update(ctx, seed, true)
	}
	return nil
}

// Unsubscribe implements resource.ExternalService.
func (s *FakeExternal) Unsubscribe(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, instanceID)
	s.log = append(s.log, "unsubscribe "+instanceID)
}

// Shutdown implements resource.ExternalService.
func (s *FakeExternal) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.log = append(s.log, "shutdown")
	return nil
}

// Push delivers a batch to the subscriber of instanceID.
func (s *FakeExternal) Push(ctx context.Context, instanceID string, entries []ir.Entry, isInit bool) error {
	s.mu.Lock()
	cb, ok := s.subs[instanceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", instanceID)
	}
	return cb.Update(ctx, entries, isInit)
}

// Subscribed reports whether instanceID currently has a feed.
func (s *FakeExternal) Subscribed(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[instanceID]
	return ok
}

// IsShutdown reports whether Shutdown was called.
func (s *FakeExternal) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Log returns the calls received, in order.
func (s *FakeExternal) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}
