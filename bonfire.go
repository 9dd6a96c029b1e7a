// Package bonfire - burn-after-reading one-time secret transfer engine
package bonfire

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/bonfire/service"
	"github.com/alwitt/bonfire/storage"
	"github.com/alwitt/bonfire/sweep"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm/logger"
)

// StorageBackend selects where transfer records live
type StorageBackend string

const (
	// StorageBackendMemory everything in process memory; lost on restart
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendDisk one JSON record per file under the base directory
	StorageBackendDisk StorageBackend = "disk"
	// StorageBackendSqlite records in a SQLite database under the base directory
	StorageBackendSqlite StorageBackend = "sqlite"
)

// Params parameters for building a secret transfer engine
type Params struct {
	// BaseDir root directory for the key salt and, outside the memory backend,
	// transfer records and stored file content
	BaseDir string `validate:"required"`
	// Backend which storage backend to use
	Backend StorageBackend `validate:"required,oneof=memory disk sqlite"`
	// SqlLogLevel SQL log level, for the sqlite backend
	SqlLogLevel logger.LogLevel
	// SweepInterval time between expired record sweeps; <= 0 selects the default
	SweepInterval time.Duration
}

// SecretTransferEngine the assembled engine: both lifecycle services plus the
// cleanup janitor. Run the janitor with `go engine.Janitor.Run(ctx)`.
type SecretTransferEngine struct {
	Sender   service.SenderService
	Receiver service.ReceiverService
	Janitor  sweep.Janitor
}

/*
NewSecretTransferEngine initialize a secret transfer engine instance.

The backend selects where both transfer records and file content live; the
memory backend keeps everything in process memory and only the instance salt
touches the base directory.

	@param params Params - engine parameters
	@returns new engine instance
*/
func NewSecretTransferEngine(params Params) (*SecretTransferEngine, error) {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, fmt.Errorf("failed to prepare validator [%w]", err)
	}
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid engine parameters [%w]", err)
	}

	// Prepare cryptography engine
	cryptor, err := crypt.NewCryptor(params.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cryptography engine [%w]", err)
	}

	// Prepare persistence
	var senderRepo storage.MessageRepository[models.SenderMessage]
	var receiverRepo storage.MessageRepository[models.ReceiverMessage]
	var fileRepo storage.FileRepository
	switch params.Backend {
	case StorageBackendMemory:
		senderRepo = storage.NewMemoryMessageRepository[models.SenderMessage]("sender")
		receiverRepo = storage.NewMemoryMessageRepository[models.ReceiverMessage]("receiver")
		fileRepo = storage.NewMemoryFileRepository(cryptor)

	case StorageBackendDisk:
		senderRepo, err = storage.NewDiskMessageRepository[models.SenderMessage](
			filepath.Join(params.BaseDir, "sender"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sender repository [%w]", err)
		}
		receiverRepo, err = storage.NewDiskMessageRepository[models.ReceiverMessage](
			filepath.Join(params.BaseDir, "receiver"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize receiver repository [%w]", err)
		}

	case StorageBackendSqlite:
		db, dbErr := storage.NewSQLConnection(
			storage.GetSqliteDialector(filepath.Join(params.BaseDir, "bonfire.db")),
			params.SqlLogLevel,
		)
		if dbErr != nil {
			return nil, fmt.Errorf("failed to initialize persistence client [%w]", dbErr)
		}
		senderRepo, err = storage.NewSQLMessageRepository[models.SenderMessage](
			db, "sender_messages",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sender repository [%w]", err)
		}
		receiverRepo, err = storage.NewSQLMessageRepository[models.ReceiverMessage](
			db, "receiver_messages",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize receiver repository [%w]", err)
		}
	}

	if fileRepo == nil {
		fileRepo, err = storage.NewDiskFileRepository(params.BaseDir, cryptor)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file repository [%w]", err)
		}
	}

	// Prepare lifecycle services
	sender, err := service.NewSenderService(senderRepo, receiverRepo, fileRepo, cryptor)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sender service [%w]", err)
	}
	receiver, err := service.NewReceiverService(senderRepo, receiverRepo, fileRepo, cryptor)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize receiver service [%w]", err)
	}

	// Prepare cleanup
	janitor, err := sweep.NewJanitor(params.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize janitor [%w]", err)
	}
	janitor.AddTarget("sender-messages", senderRepo)
	janitor.AddTarget("receiver-messages", receiverRepo)
	janitor.AddTarget("files", fileRepo)

	return &SecretTransferEngine{Sender: sender, Receiver: receiver, Janitor: janitor}, nil
}
