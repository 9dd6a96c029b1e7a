package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// diskMessageRepository implements MessageRepository with one JSON file per
// record. An in-memory id→expiration index, rebuilt by scanning the directory
// at startup, exists only to accelerate the sweep.
type diskMessageRepository[T models.Expiring] struct {
	goutils.Component

	messagePath string

	indexLock sync.RWMutex
	index     map[string]time.Time
}

/*
NewDiskMessageRepository define a disk-backed message repository rooted at
`messagePath`. The directory is created if needed and scanned to rebuild the
expiration index.

	@param messagePath string - directory holding one file per record
	@returns repository instance
*/
func NewDiskMessageRepository[T models.Expiring](messagePath string) (MessageRepository[T], error) {
	logTags := log.Fields{
		"package": "bonfire", "module": "storage", "component": "disk-message-repo",
		"path": messagePath,
	}

	if err := os.MkdirAll(messagePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create message directory %s [%w]", messagePath, err)
	}

	instance := &diskMessageRepository[T]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		messagePath: messagePath,
		index:       make(map[string]time.Time),
	}

	if err := instance.rebuildIndex(); err != nil {
		return nil, err
	}

	return instance, nil
}

// rebuildIndex scan the message directory and index each record's expiration
func (r *diskMessageRepository[T]) rebuildIndex() error {
	entries, err := os.ReadDir(r.messagePath)
	if err != nil {
		return fmt.Errorf("failed to scan message directory %s [%w]", r.messagePath, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		msg, err := r.deserialize(filepath.Join(r.messagePath, entry.Name()))
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Error reading file %s", entry.Name())
			continue
		}
		r.index[msg.GetID()] = msg.GetExpiration()
		loaded++
	}

	log.WithFields(r.LogTags).Infof("Initialized %d messages on disk", loaded)
	return nil
}

func (r *diskMessageRepository[T]) resolvePath(id string) string {
	return filepath.Join(r.messagePath, id)
}

func (r *diskMessageRepository[T]) deserialize(path string) (T, error) {
	var msg T
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, fmt.Errorf("failed to read message file %s [%w]", path, err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to parse message file %s [%w]", path, err)
	}
	return msg, nil
}

func (r *diskMessageRepository[T]) serialize(path string, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message [%w]", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write message file %s [%w]", path, err)
	}
	return nil
}

/*
Create persist a new record under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *diskMessageRepository[T]) Create(_ context.Context, id string, msg T) error {
	messageFile := r.resolvePath(id)
	if _, err := os.Stat(messageFile); err == nil {
		return fmt.Errorf("message %s already exists [%w]", id, models.ErrDuplicateID)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to probe message file %s [%w]", messageFile, err)
	}

	if err := r.serialize(messageFile, msg); err != nil {
		return err
	}

	r.indexLock.Lock()
	r.index[id] = msg.GetExpiration()
	r.indexLock.Unlock()

	log.WithFields(r.LogTags).Debugf("Created message %s", id)
	return nil
}

/*
Update replace the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *diskMessageRepository[T]) Update(_ context.Context, id string, msg T) error {
	messageFile := r.resolvePath(id)
	if _, err := os.Stat(messageFile); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("message %s does not exist [%w]", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to probe message file %s [%w]", messageFile, err)
	}

	if err := r.serialize(messageFile, msg); err != nil {
		return err
	}

	// Keep the sweep index in step with the persisted expiration
	r.indexLock.Lock()
	r.index[id] = msg.GetExpiration()
	r.indexLock.Unlock()

	return nil
}

/*
Read fetch the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@returns the record, or nil if absent or expired
*/
func (r *diskMessageRepository[T]) Read(_ context.Context, id string) (*T, error) {
	messageFile := r.resolvePath(id)
	if _, err := os.Stat(messageFile); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to probe message file %s [%w]", messageFile, err)
	}

	msg, err := r.deserialize(messageFile)
	if err != nil {
		return nil, err
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
func (r *diskMessageRepository[T]) Delete(_ context.Context, id string) (bool, error) {
	messageFile := r.resolvePath(id)

	existed := true
	if err := os.Remove(messageFile); err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to delete message file %s [%w]", messageFile, err)
		}
		existed = false
	}

	r.indexLock.Lock()
	delete(r.index, id)
	r.indexLock.Unlock()

	return existed, nil
}

/*
DeleteExpired remove every record whose expiration has passed

	@param ctx context.Context - execution context
	@param now time.Time - the reference timestamp
	@returns number of records removed
*/
func (r *diskMessageRepository[T]) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	// Work off a snapshot so concurrent burns and creates never corrupt the
	// iteration
	r.indexLock.RLock()
	expired := make([]string, 0, len(r.index))
	for id, expiration := range r.index {
		if now.After(expiration) {
			expired = append(expired, id)
		}
	}
	r.indexLock.RUnlock()

	removed := 0
	for _, id := range expired {
		if _, err := r.Delete(ctx, id); err != nil {
			// Leave the record for the next cycle
			log.WithError(err).WithFields(r.LogTags).Errorf("Error deleting message %s", id)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.WithFields(r.LogTags).Infof("Cleaned up %d messages", removed)
	}
	return removed, nil
}
