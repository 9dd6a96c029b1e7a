package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
)

const (
	metaSuffix = ".meta"
	dataSuffix = ".data"
	tmpSuffix  = ".tmp"
)

// diskFileRepository implements FileRepository against a directory of
// `<id>.data` ciphertext blobs with `<id>.meta` JSON metadata
type diskFileRepository struct {
	goutils.Component

	storePath string
	cryptor   crypt.Cryptor

	filesLock sync.RWMutex
	files     map[string]models.SecretFile
}

/*
NewDiskFileRepository define a disk-backed file repository under
`<baseDir>/store`. Stale temporary files from a previous abnormal shutdown
are purged, and metadata of stored files is reloaded.

	@param baseDir string - base storage directory
	@param cryptor crypt.Cryptor - cryptography engine
	@returns repository instance
*/
func NewDiskFileRepository(baseDir string, cryptor crypt.Cryptor) (FileRepository, error) {
	storePath := filepath.Join(baseDir, "store")
	logTags := log.Fields{
		"package": "bonfire", "module": "storage", "component": "disk-file-repo",
		"path": storePath,
	}

	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s [%w]", storePath, err)
	}

	instance := &diskFileRepository{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		storePath: storePath,
		cryptor:   cryptor,
		files:     make(map[string]models.SecretFile),
	}

	if err := instance.init(); err != nil {
		return nil, err
	}

	return instance, nil
}

// init purge stale upload temp files and reload stored file metadata
func (r *diskFileRepository) init() error {
	entries, err := os.ReadDir(r.storePath)
	if err != nil {
		return fmt.Errorf("failed to scan store directory %s [%w]", r.storePath, err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		fullPath := filepath.Join(r.storePath, name)

		if strings.HasSuffix(name, tmpSuffix) {
			log.WithFields(r.LogTags).Infof("Clean up stale upload tmp file: %s", name)
			if err := os.Remove(fullPath); err != nil {
				log.WithError(err).WithFields(r.LogTags).
					Errorf("Error deleting stale upload tmp file: %s", name)
			}
			continue
		}

		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}

		data, err := os.ReadFile(fullPath)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Error reading file %s", name)
			continue
		}
		var secretFile models.SecretFile
		if err := json.Unmarshal(data, &secretFile); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Error parsing file %s", name)
			continue
		}
		r.files[secretFile.ID] = secretFile
		loaded++
	}

	log.WithFields(r.LogTags).Infof("Initialized %d files on disk", loaded)
	return nil
}

func (r *diskFileRepository) resolveDataPath(id string) string {
	return filepath.Join(r.storePath, id+dataSuffix)
}

func (r *diskFileRepository) resolveMetaPath(id string) string {
	return filepath.Join(r.storePath, id+metaSuffix)
}

/*
StoreFile encrypt a plaintext stream into storage.

The ciphertext is streamed to a temporary path and atomically renamed into
place on success, so a reader never observes a partially written file.

	@param ctx context.Context - execution context
	@param id string - file ID
	@param encryptedName models.CryptedData - the encrypted original file name
	@param plain io.Reader - plaintext content stream
	@param keyIv models.KeyIv - per-file key material
	@param expiration time.Time - expiration mirroring the parent message
	@returns stored file metadata
*/
func (r *diskFileRepository) StoreFile(
	_ context.Context,
	id string,
	encryptedName models.CryptedData,
	plain io.Reader,
	keyIv models.KeyIv,
	expiration time.Time,
) (models.SecretFile, error) {
	log.WithFields(r.LogTags).Debugf("Store file %s", id)

	dataPath := r.resolveDataPath(id)
	tmpPath := fmt.Sprintf("%s.%s%s", dataPath, ulid.Make().String(), tmpSuffix)

	originalSize, err := r.writeEncrypted(tmpPath, plain, keyIv)
	if err != nil {
		_ = os.Remove(tmpPath)
		return models.SecretFile{}, err
	}

	if err := os.Rename(tmpPath, dataPath); err != nil {
		_ = os.Remove(tmpPath)
		return models.SecretFile{}, fmt.Errorf(
			"failed to move file %s into place [%w]", id, err,
		)
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to probe stored file %s [%w]", id, err)
	}

	secretFile := models.SecretFile{
		ID:               id,
		Name:             encryptedName,
		OriginalFileSize: originalSize,
		StoredFileSize:   info.Size(),
		KeyIv:            keyIv,
		Expiration:       expiration,
	}

	meta, err := json.Marshal(&secretFile)
	if err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to serialize file %s metadata [%w]", id, err)
	}
	if err := os.WriteFile(r.resolveMetaPath(id), meta, 0o600); err != nil {
		return models.SecretFile{}, fmt.Errorf("failed to write file %s metadata [%w]", id, err)
	}

	r.filesLock.Lock()
	r.files[id] = secretFile
	r.filesLock.Unlock()

	return secretFile, nil
}

// writeEncrypted stream plaintext through the cipher into a new file,
// returning the plaintext byte count
func (r *diskFileRepository) writeEncrypted(
	path string, plain io.Reader, keyIv models.KeyIv,
) (int64, error) {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload tmp file %s [%w]", path, err)
	}

	cryptOut, err := r.cryptor.EncryptStream(fd, keyIv)
	if err != nil {
		_ = fd.Close()
		return 0, fmt.Errorf("failed to prepare encryption stream [%w]", err)
	}

	originalSize, err := io.Copy(cryptOut, plain)
	if err != nil {
		_ = fd.Close()
		return 0, fmt.Errorf("failed to stream file content [%w]", err)
	}
	if err := cryptOut.Close(); err != nil {
		_ = fd.Close()
		return 0, fmt.Errorf("failed to finalize encryption stream [%w]", err)
	}
	if err := fd.Close(); err != nil {
		return 0, fmt.Errorf("failed to close upload tmp file %s [%w]", path, err)
	}

	return originalSize, nil
}

/*
ResolveStoredFile fetch the metadata of a stored file

	@param ctx context.Context - execution context
	@param id string - file ID
	@returns the metadata, or nil if absent or expired
*/
func (r *diskFileRepository) ResolveStoredFile(
	_ context.Context, id string,
) (*models.SecretFile, error) {
	r.filesLock.RLock()
	defer r.filesLock.RUnlock()

	secretFile, exists := r.files[id]
	if !exists || secretFile.Expired(time.Now()) {
		return nil, nil
	}
	return &secretFile, nil
}

/*
StoredFileReader open a decrypting stream over a stored file's content

	@param ctx context.Context - execution context
	@param id string - file ID
	@param keyIv models.KeyIv - per-file key material
	@returns plaintext stream
*/
func (r *diskFileRepository) StoredFileReader(
	_ context.Context, id string, keyIv models.KeyIv,
) (io.ReadCloser, error) {
	log.WithFields(r.LogTags).Debugf("Get stream for file %s", id)

	fd, err := os.Open(r.resolveDataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s has no stored content [%w]", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open stored file %s [%w]", id, err)
	}

	cryptIn, err := r.cryptor.DecryptStream(fd, keyIv)
	if err != nil {
		_ = fd.Close()
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
func (r *diskFileRepository) BurnFile(_ context.Context, id string) error {
	log.WithFields(r.LogTags).Debugf("Burn file %s", id)

	if err := os.Remove(r.resolveDataPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s content [%w]", id, err)
	}
	if err := os.Remove(r.resolveMetaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s metadata [%w]", id, err)
	}

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
func (r *diskFileRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.filesLock.RLock()
	expired := make([]string, 0, len(r.files))
	for id, secretFile := range r.files {
		if secretFile.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.filesLock.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := r.BurnFile(ctx, id); err != nil {
			// Leave the file for the next cycle
			log.WithError(err).WithFields(r.LogTags).Errorf("Error deleting file %s", id)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.WithFields(r.LogTags).Infof("Cleaned up %d files", removed)
	}
	return removed, nil
}
