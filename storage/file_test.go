package storage_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/bonfire/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func testCryptor(t *testing.T) crypt.Cryptor {
	salt := make([]byte, crypt.SaltSize)
	_, err := rand.Read(salt)
	assert.Nil(t, err)
	cryptor, err := crypt.NewCryptorWithSalt(salt)
	assert.Nil(t, err)
	return cryptor
}

func testFileKeyIv(t *testing.T, cryptor crypt.Cryptor) models.KeyIv {
	key, err := cryptor.NewKey()
	assert.Nil(t, err)
	iv, err := cryptor.NewIV()
	assert.Nil(t, err)
	return models.NewKeyIv(key, iv)
}

// fileRepoContract the behavior every backend must satisfy
func fileRepoContract(t *testing.T, cryptor crypt.Cryptor, uut storage.FileRepository) {
	assert := assert.New(t)
	utCtx := context.Background()

	// Case 0: resolving an unknown ID
	resolved, err := uut.ResolveStoredFile(utCtx, testTransferID())
	assert.Nil(err)
	assert.Nil(resolved)

	// Case 1: store and read back
	testID := testTransferID()
	keyIv := testFileKeyIv(t, cryptor)
	encName, err := cryptor.Encrypt([]byte(uuid.NewString()), keyIv)
	assert.Nil(err)
	content := make([]byte, 4096+17)
	_, err = rand.Read(content)
	assert.Nil(err)
	expiration := time.Now().Add(time.Hour)

	stored, err := uut.StoreFile(
		utCtx,
		testID,
		models.CryptedData{Data: encName, IV: keyIv.IV},
		bytes.NewReader(content),
		keyIv,
		expiration,
	)
	assert.Nil(err)
	assert.Equal(testID, stored.ID)
	assert.Equal(int64(len(content)), stored.OriginalFileSize)
	// PKCS#7 rounds the ciphertext up to the next whole block
	expectedStored := int64(len(content) + crypt.IVSize - len(content)%crypt.IVSize)
	assert.Equal(expectedStored, stored.StoredFileSize)
	assert.WithinDuration(expiration, stored.Expiration, time.Second)

	resolved, err = uut.ResolveStoredFile(utCtx, testID)
	assert.Nil(err)
	assert.NotNil(resolved)
	assert.Equal(stored.ID, resolved.ID)
	assert.Equal(stored.OriginalFileSize, resolved.OriginalFileSize)

	reader, err := uut.StoredFileReader(utCtx, testID, keyIv)
	assert.Nil(err)
	recovered, err := io.ReadAll(reader)
	assert.Nil(err)
	assert.Nil(reader.Close())
	assert.Equal(content, recovered)

	// Case 2: content survives multiple reads until burned
	reader, err = uut.StoredFileReader(utCtx, testID, keyIv)
	assert.Nil(err)
	recovered, err = io.ReadAll(reader)
	assert.Nil(err)
	assert.Nil(reader.Close())
	assert.Equal(content, recovered)

	// Case 3: burn is idempotent and removes both content and metadata
	assert.Nil(uut.BurnFile(utCtx, testID))
	assert.Nil(uut.BurnFile(utCtx, testID))
	resolved, err = uut.ResolveStoredFile(utCtx, testID)
	assert.Nil(err)
	assert.Nil(resolved)
	_, err = uut.StoredFileReader(utCtx, testID, keyIv)
	assert.NotNil(err)
	assert.True(errors.Is(err, models.ErrNotFound))

	// Case 4: expired files resolve as absent and are swept
	expiredID := testTransferID()
	_, err = uut.StoreFile(
		utCtx,
		expiredID,
		models.CryptedData{Data: encName, IV: keyIv.IV},
		bytes.NewReader(content),
		keyIv,
		time.Now().Add(-time.Minute),
	)
	assert.Nil(err)
	resolved, err = uut.ResolveStoredFile(utCtx, expiredID)
	assert.Nil(err)
	assert.Nil(resolved)

	removed, err := uut.DeleteExpired(utCtx, time.Now())
	assert.Nil(err)
	assert.Equal(1, removed)
	removed, err = uut.DeleteExpired(utCtx, time.Now())
	assert.Nil(err)
	assert.Equal(0, removed)
}

func TestMemoryFileRepository(t *testing.T) {
	log.SetLevel(log.DebugLevel)

	cryptor := testCryptor(t)
	uut := storage.NewMemoryFileRepository(cryptor)
	fileRepoContract(t, cryptor, uut)
}

func TestDiskFileRepository(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cryptor := testCryptor(t)
	uut, err := storage.NewDiskFileRepository(t.TempDir(), cryptor)
	assert.Nil(err)
	fileRepoContract(t, cryptor, uut)
}

func TestDiskFileRepositoryRestart(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	testDir := t.TempDir()
	cryptor := testCryptor(t)

	uut0, err := storage.NewDiskFileRepository(testDir, cryptor)
	assert.Nil(err)

	testID := testTransferID()
	keyIv := testFileKeyIv(t, cryptor)
	encName, err := cryptor.Encrypt([]byte("report.pdf"), keyIv)
	assert.Nil(err)
	content := []byte(uuid.NewString())
	stored, err := uut0.StoreFile(
		utCtx,
		testID,
		models.CryptedData{Data: encName, IV: keyIv.IV},
		bytes.NewReader(content),
		keyIv,
		time.Now().Add(time.Hour),
	)
	assert.Nil(err)

	// Plant a stale upload temp file from a simulated crash
	stalePath := filepath.Join(
		testDir, "store", testTransferID()+".data."+ulid.Make().String()+".tmp",
	)
	assert.Nil(os.WriteFile(stalePath, []byte("partial"), 0o600))

	// A fresh repository reloads stored files and purges the stale temp file
	uut1, err := storage.NewDiskFileRepository(testDir, cryptor)
	assert.Nil(err)

	_, err = os.Stat(stalePath)
	assert.True(os.IsNotExist(err))

	resolved, err := uut1.ResolveStoredFile(utCtx, testID)
	assert.Nil(err)
	assert.NotNil(resolved)
	assert.Equal(stored.OriginalFileSize, resolved.OriginalFileSize)
	assert.Equal(stored.StoredFileSize, resolved.StoredFileSize)

	reader, err := uut1.StoredFileReader(utCtx, testID, keyIv)
	assert.Nil(err)
	recovered, err := io.ReadAll(reader)
	assert.Nil(err)
	assert.Nil(reader.Close())
	assert.Equal(content, recovered)
}
