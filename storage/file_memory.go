package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// memoryStoredFile stored file content and metadata
type memoryStoredFile struct {
	meta models.SecretFile
	data []byte
}

// memoryFileRepository implements FileRepository against process memory.
// Content is held encrypted, mirroring the disk layout.
type memoryFileRepository struct {
	goutils.Component

	cryptor crypt.Cryptor

	filesLock sync.RWMutex
	files     map[string]memoryStoredFile
}

/*
NewMemoryFileRepository define an in-memory file repository. Contents do not
survive process restarts.

	@param cryptor crypt.Cryptor - cryptography engine
	@returns repository instance
*/
func NewMemoryFileRepository(cryptor crypt.Cryptor) FileRepository {
	logTags := log.Fields{
		"package": "bonfire", "module": "storage", "component": "memory-file-repo",
	}

	return &memoryFileRepository{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		cryptor: cryptor,
		files:   make(map[string]memoryStoredFile),
	}
}

/*
StoreFile encrypt a plaintext stream into storage

	@param ctx context.Context - execution context
	@param id string - file ID
	@param encryptedName models.CryptedData - the encrypted original file name
	@param plain io.Reader - plaintext content stream
	@param keyIv models.KeyIv - per-file key material
	@param expiration time.Time - expiration mirroring the parent message
	@returns stored file metadata
*/
func (r *memoryFileRepository) StoreFile(
	_ context.Context,
	id string,
	encryptedName models.CryptedData,
	plain io.Reader,
	keyIv models.KeyIv,
	expiration time.Time,
) (models.SecretFile, error) {
	log.WithFields(r.LogTags).Debugf("Store file %s", id)

	var ciphered bytes.Buffer
	cryptOut, err := r.cryptor.EncryptStream(&ciphered, keyIv)
	if err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to prepare encryption stream [%w]", err)
	}
	originalSize, err := io.Copy(cryptOut, plain)
	if err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to stream file content [%w]", err)
	}
	if err := cryptOut.Close(); err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to finalize encryption stream [%w]", err)
	}

	secretFile := models.SecretFile{
		ID:               id,
		Name:             encryptedName,
		OriginalFileSize: originalSize,
		StoredFileSize:   int64(ciphered.Len()),
		KeyIv:            keyIv,
		Expiration:       expiration,
	}

	r.filesLock.Lock()
	r.files[id] = memoryStoredFile{meta: secretFile, data: ciphered.Bytes()}
	r.filesLock.Unlock()

	return secretFile, nil
}

/*
ResolveStoredFile fetch the metadata of a stored file

	@param ctx context.Context - execution context
	@param id string - file ID
	@returns the metadata, or nil if absent or expired
*/
func (r *memoryFileRepository) ResolveStoredFile(
	_ context.Context, id string,
) (*models.SecretFile, error) {
	r.filesLock.RLock()
	defer r.filesLock.RUnlock()

	stored, exists := r.files[id]
	if !exists || stored.meta.Expired(time.Now()) {
		return nil, nil
	}
	meta := stored.meta
	return &meta, nil
}

/*
StoredFileReader open a decrypting stream over a stored file's content

	@param ctx context.Context - execution context
	@param id string - file ID
	@param keyIv models.KeyIv - per-file key material
	@returns plaintext stream
*/
func (r *memoryFileRepository) StoredFileReader(
	_ context.Context, id string, keyIv models.KeyIv,
) (io.ReadCloser, error) {
	r.filesLock.RLock()
	stored, exists := r.files[id]
	r.filesLock.RUnlock()

	if !exists {
		return nil, fmt.Errorf("file %s has no stored content [%w]", id, models.ErrNotFound)
	}

	cryptIn, err := r.cryptor.DecryptStream(bytes.NewReader(stored.data), keyIv)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare decryption stream [%w]", err)
	}
	return cryptIn, nil
}

/*
BurnFile delete a stored file's content and metadata. Burning an already
absent file is a no-op.

	@param ctx context.Context - execution context
	@param id string - file ID
*/
func (r *memoryFileRepository) BurnFile(_ context.Context, id string) error {
	log.WithFields(r.LogTags).Debugf("Burn file %s", id)

	r.filesLock.Lock()
	delete(r.files, id)
	r.filesLock.Unlock()
	return nil
}

/*
DeleteExpired remove every stored file whose expiration has passed

	@param ctx context.Context - execution context
	@param now time.Time - the reference timestamp
	@returns number of files removed
*/
func (r *memoryFileRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.filesLock.Lock()
	defer r.filesLock.Unlock()

	removed := 0
	for id, stored := range r.files {
		if stored.meta.Expired(now) {
			delete(r.files, id)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(r.LogTags).Infof("Cleaned up %d files", removed)
	}
	return removed, nil
}
