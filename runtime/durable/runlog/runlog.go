// Package runlog provides a durable, append-only event log for workflow
// instances.
//
// The run log is the canonical record of what happened to an instance: run
// and step lifecycle events are appended as they are published on the hooks
// bus and callers list them using opaque cursors.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/goa-durable/runtime/durable/hooks"
)

type (
	// Event is a single immutable event appended to the run log.
	//
	// Store implementations assign the ID when persisting the event. IDs are
	// opaque, monotonically ordered within an instance, and suitable for
	// cursor-based pagination.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// InstanceID is the workflow instance this event belongs to.
		InstanceID string
		// Workflow is the tag of the workflow that emitted the event.
		Workflow string
		// Type is the hook event type.
		Type hooks.EventType
		// Payload is the JSON encoding of the hook event.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Page is a forward page of events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is the cursor to use to fetch the next page.
		// It is empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within an instance. Cursor
	// values are store-owned and opaque to callers.
	Store interface {
		// Append stores the event and assigns its ID.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events of an instance.
		// Cursor is a value returned by a previous call to List, or empty to
		// start from the beginning. Limit must be greater than zero.
		List(ctx context.Context, instanceID string, cursor string, limit int) (Page, error)
	}

	subscriber struct {
		store Store
	}
)

// NewSubscriber returns a hooks subscriber that appends every published
// event to store.
func NewSubscriber(store Store) (hooks.Subscriber, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &subscriber{store: store}, nil
}

// FromHook converts a hook event into a run log event.
func FromHook(e hooks.Event) (*Event, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return &Event{
		InstanceID: e.InstanceID,
		Workflow:   e.Workflow,
		Type:       e.Type,
		Payload:    payload,
		Timestamp:  e.Timestamp,
	}, nil
}

// Hook decodes the hook event stored in the payload of e.
func (e *Event) Hook() (hooks.Event, error) {
	var h hooks.Event
	if err := json.Unmarshal(e.Payload, &h); err != nil {
		return hooks.Event{}, fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	return h, nil
}

func (s *subscriber) HandleEvent(ctx context.Context, e hooks.Event) error {
	ev, err := FromHook(e)
	if err != nil {
		return err
	}
	if err := s.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s event of %q: %w", e.Type, e.InstanceID, err)
	}
	return nil
}
