// Package mongo provides MongoDB-backed run log storage for durable workflow
// instances.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists append-only instance events.
package mongo
