package resource

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

// Resource is a parametrized view: it derives its output collection from
// the service's named collections.
type Resource interface {
	Instantiate(ctx *collection.Context, inputs collection.Named) (collection.Eager, error)
}

// ResourceFunc adapts a function to Resource.
type ResourceFunc func(ctx *collection.Context, inputs collection.Named) (collection.Eager, error)

// Instantiate implements Resource.
func (f ResourceFunc) Instantiate(ctx *collection.Context, inputs collection.Named) (collection.Eager, error) {
	return f(ctx, inputs)
}

// Builder constructs a resource from request params.
type Builder func(params ir.Value) (Resource, error)

// Notifier receives the update stream of one subscription.
//
// Calls are made synchronously, in commit order, while the writer slot is
// held. A notifier must not call back into the service.
type Notifier interface {
	Subscribed()
	Notify(update ir.CollectionUpdate)
	Close()
}

// Callbacks are handed to an external service with each subscription.
type Callbacks struct {
	// Update writes entries into the external collection through a fork.
	// isInit replaces the whole collection.
	Update func(ctx context.Context, entries []ir.Entry, isInit bool) error
	// Error reports an asynchronous failure of the external feed.
	Error func(err error)
}

// ExternalService feeds external collections from outside the graph.
type ExternalService interface {
	Subscribe(ctx context.Context, instanceID, resource string, params ir.Value, cb Callbacks) error
	Unsubscribe(instanceID string)
	Shutdown(ctx context.Context) error
}

// IDGenerator produces instance, subscription and fork identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a hyphenated UUIDv7. Panics if the system entropy source
// fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Info describes an instance for reclamation policies and diagnostics.
type Info struct {
	ID         string
	Resource   string
	Params     ir.Value
	Output     collection.Eager
	Created    uint64
	Subscribed bool
	LastAccess time.Time
}
