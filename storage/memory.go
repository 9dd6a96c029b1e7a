package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// memoryMessageRepository implements MessageRepository against a process
// lifetime map
type memoryMessageRepository[T models.Expiring] struct {
	goutils.Component

	lock     sync.RWMutex
	messages map[string]T
}

/*
NewMemoryMessageRepository define an in-memory message repository. Contents do
not survive process restarts.

	@param name string - repository name for logging
	@returns repository instance
*/
func NewMemoryMessageRepository[T models.Expiring](name string) MessageRepository[T] {
	logTags := log.Fields{
		"package": "bonfire", "module": "storage", "component": "memory-message-repo",
		"repo": name,
	}

	return &memoryMessageRepository[T]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		messages: make(map[string]T),
	}
}

/*
Create persist a new record under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *memoryMessageRepository[T]) Create(_ context.Context, id string, msg T) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.messages[id]; exists {
		return fmt.Errorf("message %s already exists [%w]", id, models.ErrDuplicateID)
	}
	r.messages[id] = msg
	log.WithFields(r.LogTags).Debugf("Created message %s", id)
	return nil
}

/*
Update replace the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *memoryMessageRepository[T]) Update(_ context.Context, id string, msg T) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.messages[id]; !exists {
		return fmt.Errorf("message %s does not exist [%w]", id, models.ErrNotFound)
	}
	r.messages[id] = msg
	return nil
}

/*
Read fetch the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@returns the record, or nil if absent or expired
*/
func (r *memoryMessageRepository[T]) Read(_ context.Context, id string) (*T, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	msg, exists := r.messages[id]
	if !exists {
		return nil, nil
	}
	if time.Now().After(msg.GetExpiration()) {
		// Eviction is handled by the sweeper
		return nil, nil
	}
	return &msg, nil
}

/*
Delete remove the record stored under `id` if present

	@param ctx context.Context - execution context
	@param id string - record ID
	@returns whether the record existed
*/
func (r *memoryMessageRepository[T]) Delete(_ context.Context, id string) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, exists := r.messages[id]
	delete(r.messages, id)
	return exists, nil
}

/*
DeleteExpired remove every record whose expiration has passed

	@param ctx context.Context - execution context
	@param now time.Time - the reference timestamp
	@returns number of records removed
*/
func (r *memoryMessageRepository[T]) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	removed := 0
	for id, msg := range r.messages {
		if now.After(msg.GetExpiration()) {
			delete(r.messages, id)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(r.LogTags).Infof("Cleaned up %d messages", removed)
	}
	return removed, nil
}
