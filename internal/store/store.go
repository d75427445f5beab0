// Package store defines the backend-agnostic Component store contract from
// spec.md §4.1: row CRUD, indexed range/point lookup, optimistic
// multi-row transactions, uniqueness enforcement and change-event fan-out.
// internal/store/memory and internal/store/redisstore are the two
// conforming backends.
package store

import (
	"context"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
)

// Op identifies the kind of mutation a ChangeEvent describes.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Direction controls ascending/descending index order.
type Direction uint8

const (
	Asc Direction = iota
	Desc
)

// Range describes an indexed range/point query: Left/Right are half-open
// [Left, Right) bounds (nil means unbounded on that side), Limit is
// mandatory and >= 1, per spec.md §4.1's ordering & tie-break rules.
type Range struct {
	Index     string
	Left      any
	Right     any
	Limit     int
	Direction Direction
}

// ChangeEvent is emitted at commit for every row touched by a committed
// transaction, per spec.md §4.1. Events for one transaction are emitted
// contiguously and transactions are globally ordered by commit.
type ChangeEvent struct {
	Component     string
	RowID         schema.RowID
	Op            Op
	NewVersion    schema.Version
	ChangedFields []string
	Row           schema.Row // full row after the mutation; zero Values on delete
	TxSeq         uint64     // commit sequence number, for term-contiguity checks
}

// Transaction is the opaque handle the executor and broker drive all store
// access through. A Transaction is not safe for concurrent use by multiple
// goroutines, mirroring database/sql's *Tx contract.
type Transaction interface {
	// Select returns a single row by id, or found=false if it doesn't
	// exist. Records (rowID, version) in the transaction's read set.
	Select(component string, id schema.RowID) (row schema.Row, found bool, err error)

	// Query returns an ordered window of rows matching r. Records the
	// consulted range so commit can detect phantom inserts/deletes.
	Query(component string, r Range) ([]schema.Row, error)

	// Insert assigns a fresh row id and version=1, staging the write until
	// commit.
	Insert(component string, fields schema.Values) (schema.RowID, error)

	// Update stages an in-place field update; equivalent to a read-modify
	// pattern, it also records the row in the read set so a concurrent
	// writer is detected at commit.
	Update(component string, id schema.RowID, fields map[string]any) error

	// Delete stages a row deletion.
	Delete(component string, id schema.RowID) error

	// Commit validates the read set and consulted ranges, applies staged
	// writes atomically, bumps versions, and emits change events. Returns
	// a *errors.CoreError with CodeConflict-style codes on failure; no
	// writes are applied on any non-nil return.
	Commit() error

	// Rollback discards all staged writes. Safe to call after Commit or
	// multiple times (idempotent).
	Rollback()
}

// Backend is the contract any conforming store implementation (memory,
// Redis, a future shared-memory variant) must satisfy, per spec.md §4.1's
// "Backend portability" section.
type Backend interface {
	// Begin starts a new transaction. identity is the session's current
	// permission level, used to gate Insert/Update/Delete against each
	// Component's declared Permission class.
	Begin(ctx context.Context, identity schema.Permission) (Transaction, error)

	// Events returns the change-event bus rows committed through this
	// backend fan out on.
	Events() *EventBus

	// ClearTransient deletes every row of every Component flagged
	// schema.Transient in reg. Called once at startup.
	ClearTransient(ctx context.Context, reg *schema.Registry) error

	// Close releases backend resources (connections, goroutines).
	Close() error
}

// checkPermission applies the identity-vs-Component.Permission rule. The
// backends' Insert/Update/Delete paths each apply the same rule through
// their own copy of it.
func checkPermission(identity schema.Permission, c *schema.Component) error {
	if identity < c.Permission {
		return errors.Forbidden("identity level " + identity.String() + " below required " + c.Permission.String() + " for component " + c.Name)
	}
	return nil
}
