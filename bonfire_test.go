package bonfire_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/bonfire"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/bonfire/service"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func TestEngineParamValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		Backend: bonfire.StorageBackendMemory,
	})
	assert.NotNil(err)

	_, err = bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir: t.TempDir(), Backend: "unknown",
	})
	assert.NotNil(err)
}

func TestEngineDiskBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir: t.TempDir(), Backend: bonfire.StorageBackendDisk,
	})
	assert.Nil(err)

	testMessage := uuid.NewString()
	testPassword := uuid.NewString()
	testFileContent := []byte(uuid.NewString())

	stored, err := uut.Sender.StoreMessage(utCtx, service.StoreMessageRequest{
		Message: testMessage,
		Files: []service.FileUpload{
			{Name: "notes.txt", Content: bytes.NewReader(testFileContent)},
		},
		Password:       &testPassword,
		ExpirationDays: 1,
	})
	assert.Nil(err)

	protected, err := uut.Receiver.IsPasswordProtected(utCtx, stored.ReceiverID)
	assert.Nil(err)
	assert.True(protected)

	decrypted, err := uut.Receiver.DecryptAndBurn(
		utCtx, stored.ReceiverID, stored.LinkSecret, &testPassword,
	)
	assert.Nil(err)
	assert.Equal(testMessage, decrypted.Message)
	assert.Len(decrypted.Files, 1)
	assert.Equal("notes.txt", decrypted.Files[0].Name)

	reader, err := uut.Receiver.FileReader(
		utCtx, decrypted.Files[0].ID, decrypted.Files[0].KeyIv,
	)
	assert.Nil(err)
	recovered, err := io.ReadAll(reader)
	assert.Nil(err)
	assert.Nil(reader.Close())
	assert.Equal(testFileContent, recovered)

	// Everything is single use
	_, err = uut.Receiver.DecryptAndBurn(
		utCtx, stored.ReceiverID, stored.LinkSecret, &testPassword,
	)
	assert.True(errors.Is(err, models.ErrNotFound))
	_, err = uut.Receiver.FileReader(utCtx, decrypted.Files[0].ID, decrypted.Files[0].KeyIv)
	assert.True(errors.Is(err, models.ErrNotFound))

	statusView, err := uut.Sender.GetSenderMessage(utCtx, stored.SenderID)
	assert.Nil(err)
	assert.NotNil(statusView.ReceivedAt)
}

func TestEngineDiskBackendRestart(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	testDir := t.TempDir()

	uut0, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir: testDir, Backend: bonfire.StorageBackendDisk,
	})
	assert.Nil(err)

	testMessage := uuid.NewString()
	stored, err := uut0.Sender.StoreMessage(utCtx, service.StoreMessageRequest{
		Message: testMessage, ExpirationDays: 1,
	})
	assert.Nil(err)

	// A fresh engine over the same directory can still complete the transfer.
	// The persisted salt makes the key derivation line up.
	uut1, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir: testDir, Backend: bonfire.StorageBackendDisk,
	})
	assert.Nil(err)

	decrypted, err := uut1.Receiver.DecryptAndBurn(
		utCtx, stored.ReceiverID, stored.LinkSecret, nil,
	)
	assert.Nil(err)
	assert.Equal(testMessage, decrypted.Message)
}

func TestEngineSqliteBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir:     t.TempDir(),
		Backend:     bonfire.StorageBackendSqlite,
		SqlLogLevel: logger.Error,
	})
	assert.Nil(err)

	testMessage := uuid.NewString()
	stored, err := uut.Sender.StoreMessage(utCtx, service.StoreMessageRequest{
		Message: testMessage, ExpirationDays: 1,
	})
	assert.Nil(err)

	decrypted, err := uut.Receiver.DecryptAndBurn(
		utCtx, stored.ReceiverID, stored.LinkSecret, nil,
	)
	assert.Nil(err)
	assert.Equal(testMessage, decrypted.Message)

	_, err = uut.Receiver.DecryptAndBurn(utCtx, stored.ReceiverID, stored.LinkSecret, nil)
	assert.True(errors.Is(err, models.ErrNotFound))
}

func TestEngineMemoryBackendKeepsFilesInMemory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	testDir := t.TempDir()

	uut, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir: testDir, Backend: bonfire.StorageBackendMemory,
	})
	assert.Nil(err)

	testFileContent := []byte(uuid.NewString())
	stored, err := uut.Sender.StoreMessage(utCtx, service.StoreMessageRequest{
		Files: []service.FileUpload{
			{Name: "volatile.txt", Content: bytes.NewReader(testFileContent)},
		},
		ExpirationDays: 1,
	})
	assert.Nil(err)

	// Only the instance salt touches the base directory
	_, err = os.Stat(filepath.Join(testDir, "store"))
	assert.True(os.IsNotExist(err))

	decrypted, err := uut.Receiver.DecryptAndBurn(
		utCtx, stored.ReceiverID, stored.LinkSecret, nil,
	)
	assert.Nil(err)
	assert.Len(decrypted.Files, 1)
	assert.Equal("volatile.txt", decrypted.Files[0].Name)

	reader, err := uut.Receiver.FileReader(
		utCtx, decrypted.Files[0].ID, decrypted.Files[0].KeyIv,
	)
	assert.Nil(err)
	recovered, err := io.ReadAll(reader)
	assert.Nil(err)
	assert.Nil(reader.Close())
	assert.Equal(testFileContent, recovered)
}

func TestEngineMemoryBackendSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := bonfire.NewSecretTransferEngine(bonfire.Params{
		BaseDir:       t.TempDir(),
		Backend:       bonfire.StorageBackendMemory,
		SweepInterval: time.Minute,
	})
	assert.Nil(err)

	stored, err := uut.Sender.StoreMessage(utCtx, service.StoreMessageRequest{
		Message: uuid.NewString(), ExpirationDays: 1,
	})
	assert.Nil(err)

	// Nothing has expired yet
	assert.Equal(0, uut.Janitor.SweepOnce(utCtx))

	statusView, err := uut.Sender.GetSenderMessage(utCtx, stored.SenderID)
	assert.Nil(err)
	assert.Equal(stored.ReceiverID, statusView.ReceiverID)
}
