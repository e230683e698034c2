// Package inmem keeps the run log in process memory. It backs the inmem host
// in tests and in the local run command; nothing survives a restart.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/goa-durable/runtime/durable/runlog"
)

// Store implements runlog.Store. Event IDs are the 1-based positions of the
// events in the log of their instance.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]runlog.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{logs: make(map[string][]runlog.Event)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("event is required")
	case e.InstanceID == "":
		return errors.New("instance id is required")
	case e.Type == "":
		return errors.New("event type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[e.InstanceID]
	e.ID = strconv.Itoa(len(log) + 1)
	stored := *e
	stored.Payload = append([]byte(nil), e.Payload...)
	s.logs[e.InstanceID] = append(log, stored)
	return nil
}

// List implements runlog.Store. Returned events are copies.
func (s *Store) List(_ context.Context, instanceID string, cursor string, limit int) (runlog.Page, error) {
	if instanceID == "" {
		return runlog.Page{}, errors.New("instance id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[instanceID]
	if offset >= len(log) {
		return runlog.Page{}, nil
	}
	window := log[offset:min(offset+limit, len(log))]
	page := runlog.Page{Events: make([]*runlog.Event, len(window))}
	for i := range window {
		e := window[i]
		e.Payload = append([]byte(nil), e.Payload...)
		page.Events[i] = &e
	}
	if offset+len(window) < len(log) {
		page.NextCursor = page.Events[len(window)-1].ID
	}
	return page, nil
}
