package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/bonfire/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// maxDecryptAttempts failed password attempts tolerated before the record is
// invalidated
const maxDecryptAttempts = 3

/*
ReceiverService receiver-side password-gated unwrap-and-burn orchestration.

Retrieval is single-use: once DecryptAndBurn passes the password gate the
record is deleted, regardless of whether the subsequent decryption succeeds.
After attempt exhaustion the service answers exactly as it does for unknown
IDs, including for the correct password.
*/
type ReceiverService interface {
	/*
		IsPasswordProtected whether retrieving the message requires a password

			@param ctx context.Context - execution context
			@param receiverID string - the receiver ID
			@returns whether a password is required
	*/
	IsPasswordProtected(ctx context.Context, receiverID string) (bool, error)

	/*
		DecryptAndBurn retrieve the secret exactly once

			@param ctx context.Context - execution context
			@param receiverID string - the receiver ID
			@param linkSecret []byte - the out-of-band link secret
			@param password *string - the password, if the transfer requires one
			@returns the decrypted message and per-file download metadata
	*/
	DecryptAndBurn(
		ctx context.Context, receiverID string, linkSecret []byte, password *string,
	) (models.DecryptedMessage, error)

	/*
		ResolveStoredFile fetch the decrypted metadata of a stored file

			@param ctx context.Context - execution context
			@param fileID string - the file ID
			@param keyIv models.KeyIv - per-file key material
			@returns the decrypted metadata
	*/
	ResolveStoredFile(
		ctx context.Context, fileID string, keyIv models.KeyIv,
	) (models.DecryptedFile, error)

	/*
		FileReader open the one-time decrypting stream over a stored file. The
		file is burned once the stream has been fully consumed.

			@param ctx context.Context - execution context
			@param fileID string - the file ID
			@param keyIv models.KeyIv - per-file key material
			@returns plaintext stream
	*/
	FileReader(ctx context.Context, fileID string, keyIv models.KeyIv) (io.ReadCloser, error)

	/*
		BurnFile delete a stored file's content and metadata

			@param ctx context.Context - execution context
			@param fileID string - the file ID
	*/
	BurnFile(ctx context.Context, fileID string) error
}

// receiverService implements ReceiverService
type receiverService struct {
	goutils.Component

	senderRepo   storage.MessageRepository[models.SenderMessage]
	receiverRepo storage.MessageRepository[models.ReceiverMessage]
	fileRepo     storage.FileRepository
	cryptor      crypt.Cryptor

	// locks serializes the password gate and burn per receiver ID so racing
	// guesses can neither overshoot the attempt cap nor lose an increment
	locks *keyedMutex
}

/*
NewReceiverService define a new receiver service

	@param senderRepo storage.MessageRepository[models.SenderMessage] - sender record store
	@param receiverRepo storage.MessageRepository[models.ReceiverMessage] - receiver record store
	@param fileRepo storage.FileRepository - file content store
	@param cryptor crypt.Cryptor - cryptography engine
	@returns service instance
*/
func NewReceiverService(
	senderRepo storage.MessageRepository[models.SenderMessage],
	receiverRepo storage.MessageRepository[models.ReceiverMessage],
	fileRepo storage.FileRepository,
	cryptor crypt.Cryptor,
) (ReceiverService, error) {
	logTags := log.Fields{"package": "bonfire", "module": "service", "component": "receiver"}

	return &receiverService{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		senderRepo:   senderRepo,
		receiverRepo: receiverRepo,
		fileRepo:     fileRepo,
		cryptor:      cryptor,
		locks:        newKeyedMutex(),
	}, nil
}

/*
IsPasswordProtected whether retrieving the message requires a password

	@param ctx context.Context - execution context
	@param receiverID string - the receiver ID
	@returns whether a password is required
*/
func (s *receiverService) IsPasswordProtected(
	ctx context.Context, receiverID string,
) (bool, error) {
	receiverMessage, err := s.receiverRepo.Read(ctx, receiverID)
	if err != nil {
		return false, fmt.Errorf("failed to read receiver message %s [%w]", receiverID, err)
	}
	if receiverMessage == nil {
		return false, fmt.Errorf("receiver message %s [%w]", receiverID, models.ErrNotFound)
	}
	return receiverMessage.PasswordProtected(), nil
}

/*
DecryptAndBurn retrieve the secret exactly once

	@param ctx context.Context - execution context
	@param receiverID string - the receiver ID
	@param linkSecret []byte - the out-of-band link secret
	@param password *string - the password, if the transfer requires one
	@returns the decrypted message and per-file download metadata
*/
func (s *receiverService) DecryptAndBurn(
	ctx context.Context, receiverID string, linkSecret []byte, password *string,
) (models.DecryptedMessage, error) {
	unlock := s.locks.lock(receiverID)
	defer unlock()

	receiverMessage, err := s.receiverRepo.Read(ctx, receiverID)
	if err != nil {
		return models.DecryptedMessage{}, fmt.Errorf(
			"failed to read receiver message %s [%w]", receiverID, err,
		)
	}
	if receiverMessage == nil {
		return models.DecryptedMessage{}, fmt.Errorf(
			"receiver message %s [%w]", receiverID, models.ErrNotFound,
		)
	}

	if password != nil {
		if err := s.validatePassword(ctx, *password, receiverMessage); err != nil {
			return models.DecryptedMessage{}, err
		}
	} else if receiverMessage.PasswordProtected() {
		return models.DecryptedMessage{}, fmt.Errorf(
			"message is password protected [%w]", models.ErrInvalidState,
		)
	}

	// The password gate is passed. Burn before decrypting so the record is
	// gone no matter how decryption turns out.
	if _, err := s.receiverRepo.Delete(ctx, receiverID); err != nil {
		return models.DecryptedMessage{}, fmt.Errorf(
			"failed to burn receiver message %s [%w]", receiverID, err,
		)
	}
	s.markSenderReceived(ctx, receiverMessage.SenderID)

	log.WithFields(s.LogTags).Infof("Burned receiver message %s", receiverID)

	effectivePassword := placeholderPassword
	if password != nil {
		effectivePassword = *password
	}

	contentKey, err := s.unwrapContentKey(effectivePassword, linkSecret, receiverMessage.KeyIv)
	if err != nil {
		return models.DecryptedMessage{}, err
	}

	message := ""
	if receiverMessage.EncMessage != nil {
		plain, err := s.cryptor.Decrypt(
			receiverMessage.EncMessage.Data,
			models.NewKeyIv(contentKey, receiverMessage.EncMessage.IV),
		)
		if err != nil {
			return models.DecryptedMessage{}, fmt.Errorf(
				"failed to decrypt message body [%w]", err,
			)
		}
		message = string(plain)
	}

	decryptedFiles := make([]models.DecryptedFile, 0, len(receiverMessage.Files))
	for _, secretFile := range receiverMessage.Files {
		decrypted, err := s.decryptFileMeta(
			secretFile, models.NewKeyIv(contentKey, secretFile.KeyIv.IV),
		)
		if err != nil {
			return models.DecryptedMessage{}, err
		}
		decryptedFiles = append(decryptedFiles, decrypted)
	}

	return models.DecryptedMessage{Message: message, Files: decryptedFiles}, nil
}

// validatePassword verify the supplied password, counting failed attempts.
//
// The incremented count is persisted before the verdict is reported so a
// crash cannot lose a failed attempt; successful matches are not persisted.
func (s *receiverService) validatePassword(
	ctx context.Context, password string, receiverMessage *models.ReceiverMessage,
) error {
	if !receiverMessage.PasswordProtected() {
		return fmt.Errorf("message is not password protected [%w]", models.ErrInvalidState)
	}

	if s.cryptor.CheckPassword(password, receiverMessage.PasswordHash) {
		return nil
	}

	receiverMessage.DecryptAttempts++
	if err := s.receiverRepo.Update(ctx, receiverMessage.ID, *receiverMessage); err != nil {
		return fmt.Errorf(
			"failed to persist attempt count for %s [%w]", receiverMessage.ID, err,
		)
	}

	if receiverMessage.DecryptAttempts >= maxDecryptAttempts {
		// Attempts exhausted. From here the record must be indistinguishable
		// from one that never existed.
		if _, err := s.receiverRepo.Delete(ctx, receiverMessage.ID); err != nil {
			return fmt.Errorf(
				"failed to invalidate receiver message %s [%w]", receiverMessage.ID, err,
			)
		}
		s.markSenderInvalidated(ctx, receiverMessage.SenderID)

		log.WithFields(s.LogTags).
			Infof("Invalidated receiver message %s after %d failed attempts",
				receiverMessage.ID, receiverMessage.DecryptAttempts)

		return fmt.Errorf("receiver message %s [%w]", receiverMessage.ID, models.ErrNotFound)
	}

	return fmt.Errorf("password mismatch [%w]", models.ErrWrongPassword)
}

// unwrapContentKey re-derive the wrap key and recover the content key
func (s *receiverService) unwrapContentKey(
	password string, linkSecret []byte, wrapped models.KeyIv,
) ([]byte, error) {
	wrapKey, err := s.cryptor.KeyFromSaltedPasswordAndSecret(password, linkSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap key [%w]", err)
	}
	contentKey, err := s.cryptor.Decrypt(wrapped.Key, models.NewKeyIv(wrapKey, wrapped.IV))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap content key [%w]", err)
	}
	return contentKey, nil
}

// decryptFileMeta build the per-file decrypted metadata. File content is
// decrypted lazily on download.
func (s *receiverService) decryptFileMeta(
	secretFile models.SecretFile, keyIv models.KeyIv,
) (models.DecryptedFile, error) {
	name, err := s.cryptor.Decrypt(secretFile.Name.Data, keyIv)
	if err != nil {
		return models.DecryptedFile{}, fmt.Errorf(
			"failed to decrypt file %s name [%w]", secretFile.ID, err,
		)
	}
	return models.DecryptedFile{
		ID:               secretFile.ID,
		Name:             string(name),
		OriginalFileSize: secretFile.OriginalFileSize,
		KeyIv:            secretFile.KeyIv,
	}, nil
}

// markSenderReceived record successful delivery on the sender view, if no
// terminal outcome is recorded yet
func (s *receiverService) markSenderReceived(ctx context.Context, senderID string) {
	senderMessage, err := s.senderRepo.Read(ctx, senderID)
	if err != nil || senderMessage == nil {
		return
	}
	if senderMessage.Resolved() {
		return
	}
	now := time.Now()
	senderMessage.ReceivedAt = &now
	if err := s.senderRepo.Update(ctx, senderID, *senderMessage); err != nil {
		log.WithError(err).WithFields(s.LogTags).
			Errorf("Error marking sender message %s received", senderID)
	}
}

// markSenderInvalidated record attempt exhaustion on the sender view, if no
// terminal outcome is recorded yet
func (s *receiverService) markSenderInvalidated(ctx context.Context, senderID string) {
	senderMessage, err := s.senderRepo.Read(ctx, senderID)
	if err != nil || senderMessage == nil {
		return
	}
	if senderMessage.Resolved() {
		return
	}
	now := time.Now()
	senderMessage.InvalidatedAt = &now
	if err := s.senderRepo.Update(ctx, senderID, *senderMessage); err != nil {
		log.WithError(err).WithFields(s.LogTags).
			Errorf("Error marking sender message %s invalidated", senderID)
	}
}

/*
ResolveStoredFile fetch the decrypted metadata of a stored file

	@param ctx context.Context - execution context
	@param fileID string - the file ID
	@param keyIv models.KeyIv - per-file key material
	@returns the decrypted metadata
*/
func (s *receiverService) ResolveStoredFile(
	ctx context.Context, fileID string, keyIv models.KeyIv,
) (models.DecryptedFile, error) {
	secretFile, err := s.fileRepo.ResolveStoredFile(ctx, fileID)
	if err != nil {
		return models.DecryptedFile{}, fmt.Errorf(
			"failed to resolve file %s [%w]", fileID, err,
		)
	}
	if secretFile == nil {
		return models.DecryptedFile{}, fmt.Errorf("file %s [%w]", fileID, models.ErrNotFound)
	}
	return s.decryptFileMeta(*secretFile, keyIv)
}

/*
FileReader open the one-time decrypting stream over a stored file. The file
is burned once the stream has been fully consumed.

	@param ctx context.Context - execution context
	@param fileID string - the file ID
	@param keyIv models.KeyIv - per-file key material
	@returns plaintext stream
*/
func (s *receiverService) FileReader(
	ctx context.Context, fileID string, keyIv models.KeyIv,
) (io.ReadCloser, error) {
	secretFile, err := s.fileRepo.ResolveStoredFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file %s [%w]", fileID, err)
	}
	if secretFile == nil {
		return nil, fmt.Errorf("file %s [%w]", fileID, models.ErrNotFound)
	}

	reader, err := s.fileRepo.StoredFileReader(ctx, fileID, keyIv)
	if err != nil {
		return nil, err
	}

	return newBurnOnConsumeReader(reader, func() {
		if err := s.fileRepo.BurnFile(ctx, fileID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Error burning file %s", fileID)
		} else {
			log.WithFields(s.LogTags).Infof("Burned file %s after download", fileID)
		}
	}), nil
}

/*
BurnFile delete a stored file's content and metadata

	@param ctx context.Context - execution context
	@param fileID string - the file ID
*/
func (s *receiverService) BurnFile(ctx context.Context, fileID string) error {
	return s.fileRepo.BurnFile(ctx, fileID)
}
