package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

/*
GetSqliteDialector define Sqlite GORM dialector

	@param dbFile string - Sqlite DB file
	@return GORM sqlite dialector
*/
func GetSqliteDialector(dbFile string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("%s?_foreign_keys=on", dbFile))
}

/*
NewSQLConnection define a new SQL connection shared by SQL backed repositories

	@param dbDialector gorm.Dialector - GORM dialector
	@param dbLogLevel logger.LogLevel - SQL log level
	@return GORM DB handle
*/
func NewSQLConnection(dbDialector gorm.Dialector, dbLogLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(dbDialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(dbLogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect with DB [%w]", err)
	}
	return db, nil
}

// MessageDBEntry one stored message record. The record itself travels as an
// opaque JSON payload; only the ID and expiration are queryable columns.
type MessageDBEntry struct {
	// ID record ID
	ID string `gorm:"column:id;primaryKey;unique"`
	// Expiration absolute expiration timestamp
	Expiration time.Time `gorm:"column:expiration;not null;index"`
	// Payload the serialized record
	Payload datatypes.JSON `gorm:"column:payload;not null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time
}

// sqlMessageRepository implements MessageRepository against a SQL table
type sqlMessageRepository[T models.Expiring] struct {
	goutils.Component

	db    *gorm.DB
	table string
}

/*
NewSQLMessageRepository define a SQL backed message repository storing records
in the named table. The table is migrated into place on construction.

	@param db *gorm.DB - GORM DB handle
	@param table string - table holding the records
	@returns repository instance
*/
func NewSQLMessageRepository[T models.Expiring](
	db *gorm.DB, table string,
) (MessageRepository[T], error) {
	logTags := log.Fields{
		"package": "bonfire", "module": "storage", "component": "sql-message-repo",
		"table": table,
	}

	if err := db.Table(table).AutoMigrate(&MessageDBEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate table %s [%w]", table, err)
	}

	return &sqlMessageRepository[T]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:    db,
		table: table,
	}, nil
}

// toEntry serialize a record for storage
func (r *sqlMessageRepository[T]) toEntry(id string, msg T) (MessageDBEntry, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return MessageDBEntry{}, fmt.Errorf("failed to serialize message %s [%w]", id, err)
	}
	return MessageDBEntry{ID: id, Expiration: msg.GetExpiration(), Payload: payload}, nil
}

/*
Create persist a new record under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *sqlMessageRepository[T]) Create(ctx context.Context, id string, msg T) error {
	entry, err := r.toEntry(id, msg)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if tmp := tx.Table(r.table).Where("id = ?", id).Count(&count); tmp.Error != nil {
			return fmt.Errorf("failed to probe message %s [%w]", id, tmp.Error)
		}
		if count > 0 {
			return fmt.Errorf("message %s already exists [%w]", id, models.ErrDuplicateID)
		}
		if tmp := tx.Table(r.table).Create(&entry); tmp.Error != nil {
			return fmt.Errorf("message %s failed insert [%w]", id, tmp.Error)
		}
		return nil
	})
}

/*
Update replace the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@param msg T - the record
*/
func (r *sqlMessageRepository[T]) Update(ctx context.Context, id string, msg T) error {
	entry, err := r.toEntry(id, msg)
	if err != nil {
		return err
	}

	tmp := r.db.WithContext(ctx).
		Table(r.table).
		Where("id = ?", id).
		Select("expiration", "payload", "updated_at").
		Updates(&entry)
	if tmp.Error != nil {
		return fmt.Errorf("message %s failed update [%w]", id, tmp.Error)
	}
	if tmp.RowsAffected == 0 {
		return fmt.Errorf("message %s does not exist [%w]", id, models.ErrNotFound)
	}
	return nil
}

/*
Read fetch the record stored under `id`

	@param ctx context.Context - execution context
	@param id string - record ID
	@returns the record, or nil if absent or expired
*/
func (r *sqlMessageRepository[T]) Read(ctx context.Context, id string) (*T, error) {
	var entry MessageDBEntry
	if tmp := r.db.WithContext(ctx).Table(r.table).Where("id = ?", id).First(&entry); tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch message %s [%w]", id, tmp.Error)
	}

	if time.Now().After(entry.Expiration) {
		// Eviction is handled by the sweeper
		return nil, nil
	}

	var msg T
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message %s [%w]", id, err)
	}
	return &msg, nil
}

/*
Delete remove the record stored under `id` if present

	@param ctx context.Context - execution context
	@param id string - record ID
	@returns whether the record existed
*/
func (r *sqlMessageRepository[T]) Delete(ctx context.Context, id string) (bool, error) {
	tmp := r.db.WithContext(ctx).Table(r.table).Where("id = ?", id).Delete(&MessageDBEntry{})
	if tmp.Error != nil {
		return false, fmt.Errorf("failed to delete message %s [%w]", id, tmp.Error)
	}
	return tmp.RowsAffected > 0, nil
}

/*
DeleteExpired remove every record whose expiration has passed

	@param ctx context.Context - execution context
	@param now time.Time - the reference timestamp
	@returns number of records removed
*/
func (r *sqlMessageRepository[T]) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tmp := r.db.WithContext(ctx).
		Table(r.table).
		Where("expiration < ?", now).
		Delete(&MessageDBEntry{})
	if tmp.Error != nil {
		return 0, fmt.Errorf("failed to delete expired messages [%w]", tmp.Error)
	}

	if tmp.RowsAffected > 0 {
		log.WithFields(r.LogTags).Infof("Cleaned up %d messages", tmp.RowsAffected)
	}
	return int(tmp.RowsAffected), nil
}
