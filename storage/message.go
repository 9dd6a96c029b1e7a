// Package storage - persistence backends for transfer records
package storage

import (
	"context"
	"time"

	"github.com/alwitt/bonfire/models"
)

/*
MessageRepository generic keyed store for one kind of message record.

All implementations share the same contract:

  - Create fails with models.ErrDuplicateID when the ID already exists.
  - Update fails with models.ErrNotFound when the ID does not exist.
  - Read returns nil when the record is missing or its expiration has passed.
    Lazy expiration does not delete; eviction is the sweeper's job.
  - Delete is idempotent and reports whether the record existed.
*/
type MessageRepository[T models.Expiring] interface {
	/*
		Create persist a new record under `id`

			@param ctx context.Context - execution context
			@param id string - record ID
			@param msg T - the record
	*/
	Create(ctx context.Context, id string, msg T) error

	/*
		Update replace the record stored under `id`

			@param ctx context.Context - execution context
			@param id string - record ID
			@param msg T - the record
	*/
	Update(ctx context.Context, id string, msg T) error

	/*
		Read fetch the record stored under `id`

			@param ctx context.Context - execution context
			@param id string - record ID
			@returns the record, or nil if absent or expired
	*/
	Read(ctx context.Context, id string) (*T, error)

	/*
		Delete remove the record stored under `id` if present

			@param ctx context.Context - execution context
			@param id string - record ID
			@returns whether the record existed
	*/
	Delete(ctx context.Context, id string) (bool, error)

	/*
		DeleteExpired remove every record whose expiration has passed

			@param ctx context.Context - execution context
			@param now time.Time - the reference timestamp
			@returns number of records removed
	*/
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
