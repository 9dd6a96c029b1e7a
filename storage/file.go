package storage

import (
	"context"
	"io"
	"time"

	"github.com/alwitt/bonfire/models"
)

/*
FileRepository store for potentially large encrypted blobs, kept separate from
message metadata.

Writes are atomic: a reader must never observe a partially written file.
BurnFile is idempotent everywhere so sweep and on-demand burns can race
safely.
*/
type FileRepository interface {
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
	StoreFile(
		ctx context.Context,
		id string,
		encryptedName models.CryptedData,
		plain io.Reader,
		keyIv models.KeyIv,
		expiration time.Time,
	) (models.SecretFile, error)

	/*
		ResolveStoredFile fetch the metadata of a stored file

			@param ctx context.Context - execution context
			@param id string - file ID
			@returns the metadata, or nil if absent or expired
	*/
	ResolveStoredFile(ctx context.Context, id string) (*models.SecretFile, error)

	/*
		StoredFileReader open a decrypting stream over a stored file's content

			@param ctx context.Context - execution context
			@param id string - file ID
			@param keyIv models.KeyIv - per-file key material
			@returns plaintext stream
	*/
	StoredFileReader(ctx context.Context, id string, keyIv models.KeyIv) (io.ReadCloser, error)

	/*
		BurnFile delete a stored file's content and metadata. Burning an
		already absent file is a no-op.

			@param ctx context.Context - execution context
			@param id string - file ID
	*/
	BurnFile(ctx context.Context, id string) error

	/*
		DeleteExpired remove every stored file whose expiration has passed

			@param ctx context.Context - execution context
			@param now time.Time - the reference timestamp
			@returns number of files removed
	*/
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
