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
	"github.com/go-playground/validator/v10"
)

// placeholderPassword stands in for the password during key wrapping when a
// transfer is not password protected, so the wrap and unwrap math is uniform
const placeholderPassword = "dummy"

const (
	// MessageMaxLength upper bound on the plaintext message length
	MessageMaxLength = 50000
	// PasswordMaxLength upper bound on the password length
	PasswordMaxLength = 64
	// MaxExpirationDays upper bound on the expiration horizon
	MaxExpirationDays = 30
)

// FileUpload one plaintext file handed over by the caller
type FileUpload struct {
	// Name the original file name
	Name string `validate:"required"`
	// Content the plaintext content stream
	Content io.Reader `validate:"-"`
}

// StoreMessageRequest inputs for storing a new secret
type StoreMessageRequest struct {
	// Message the plaintext message body, may be empty if files are attached
	Message string `validate:"omitempty,max=50000"`
	// Files the attached plaintext files
	Files []FileUpload `validate:"omitempty,dive"`
	// Password optional retrieval password
	Password *string `validate:"omitempty,min=1,max=64"`
	// ExpirationDays expiration horizon in days
	ExpirationDays int `validate:"required,min=1,max=30"`
}

// StoreMessageResult identifiers minted for a stored secret.
//
// LinkSecret participates in the key wrap and is never persisted by the
// system; losing it makes the secret unrecoverable.
type StoreMessageResult struct {
	// SenderID ID of the sender-side status record
	SenderID string
	// ReceiverID ID of the retrievable record
	ReceiverID string
	// LinkSecret the secret to deliver to the receiver out-of-band
	LinkSecret []byte
}

/*
SenderService sender-side store orchestration of the one-time-delivery
lifecycle.
*/
type SenderService interface {
	/*
		StoreMessage encrypt and persist a new secret

			@param ctx context.Context - execution context
			@param request StoreMessageRequest - the plaintext inputs
			@returns minted identifiers
	*/
	StoreMessage(ctx context.Context, request StoreMessageRequest) (StoreMessageResult, error)

	/*
		GetSenderMessage fetch the sender-side status view

			@param ctx context.Context - execution context
			@param senderID string - the sender ID
			@returns the status record
	*/
	GetSenderMessage(ctx context.Context, senderID string) (models.SenderMessage, error)

	/*
		BurnSenderMessage revoke a transfer before retrieval: the companion
		receiver record and its stored files are deleted, and the sender
		record is marked burned.

			@param ctx context.Context - execution context
			@param senderID string - the sender ID
	*/
	BurnSenderMessage(ctx context.Context, senderID string) error
}

// senderService implements SenderService
type senderService struct {
	goutils.Component

	senderRepo   storage.MessageRepository[models.SenderMessage]
	receiverRepo storage.MessageRepository[models.ReceiverMessage]
	fileRepo     storage.FileRepository
	cryptor      crypt.Cryptor
	validator    *validator.Validate
}

/*
NewSenderService define a new sender service

	@param senderRepo storage.MessageRepository[models.SenderMessage] - sender record store
	@param receiverRepo storage.MessageRepository[models.ReceiverMessage] - receiver record store
	@param fileRepo storage.FileRepository - file content store
	@param cryptor crypt.Cryptor - cryptography engine
	@returns service instance
*/
func NewSenderService(
	senderRepo storage.MessageRepository[models.SenderMessage],
	receiverRepo storage.MessageRepository[models.ReceiverMessage],
	fileRepo storage.FileRepository,
	cryptor crypt.Cryptor,
) (SenderService, error) {
	logTags := log.Fields{"package": "bonfire", "module": "service", "component": "sender"}

	instance := &senderService{
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
		validator:    validator.New(),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}

/*
StoreMessage encrypt and persist a new secret

	@param ctx context.Context - execution context
	@param request StoreMessageRequest - the plaintext inputs
	@returns minted identifiers
*/
func (s *senderService) StoreMessage(
	ctx context.Context, request StoreMessageRequest,
) (StoreMessageResult, error) {
	if err := s.validator.Struct(&request); err != nil {
		return StoreMessageResult{}, fmt.Errorf("invalid store request [%w]", err)
	}
	if request.Message == "" && len(request.Files) == 0 {
		return StoreMessageResult{}, fmt.Errorf(
			"neither message nor files submitted [%w]", models.ErrInvalidState,
		)
	}

	expiration := time.Now().Add(time.Duration(request.ExpirationDays) * 24 * time.Hour)

	senderID := newTransferID()
	receiverID := newTransferID()

	// The link secret travels to the receiver out-of-band and is never
	// persisted
	linkSecret, err := s.cryptor.NewKey()
	if err != nil {
		return StoreMessageResult{}, fmt.Errorf("failed to mint link secret [%w]", err)
	}

	// Content key and IV encrypting the message body; the key is shared with
	// every attached file
	contentKey, err := s.cryptor.NewKey()
	if err != nil {
		return StoreMessageResult{}, fmt.Errorf("failed to mint content key [%w]", err)
	}
	contentIv, err := s.cryptor.NewIV()
	if err != nil {
		return StoreMessageResult{}, fmt.Errorf("failed to mint content IV [%w]", err)
	}

	password := placeholderPassword
	passwordHash := ""
	if request.Password != nil {
		password = *request.Password
		if passwordHash, err = s.cryptor.HashPassword(password); err != nil {
			return StoreMessageResult{}, err
		}
	}

	wrappedKey, err := s.wrapContentKey(password, linkSecret, contentKey, contentIv)
	if err != nil {
		return StoreMessageResult{}, err
	}

	encMessage, err := s.encryptMessage(request.Message, contentKey)
	if err != nil {
		return StoreMessageResult{}, err
	}

	secretFiles, err := s.encryptFiles(ctx, request.Files, contentKey, expiration)
	if err != nil {
		s.discardFiles(ctx, secretFiles)
		return StoreMessageResult{}, err
	}

	receiverMessage := models.ReceiverMessage{
		Message:         models.Message{ID: receiverID, Expiration: expiration},
		SenderID:        senderID,
		PasswordHash:    passwordHash,
		KeyIv:           models.NewKeyIv(wrappedKey, contentIv),
		EncMessage:      encMessage,
		Files:           secretFiles,
		DecryptAttempts: 0,
	}
	if err := s.receiverRepo.Create(ctx, receiverID, receiverMessage); err != nil {
		s.discardFiles(ctx, secretFiles)
		return StoreMessageResult{}, fmt.Errorf("failed to persist receiver message [%w]", err)
	}

	senderMessage := models.SenderMessage{
		Message:           models.Message{ID: senderID, Expiration: expiration},
		ReceiverID:        receiverID,
		PasswordEncrypted: request.Password != nil,
	}
	if err := s.senderRepo.Create(ctx, senderID, senderMessage); err != nil {
		// The pair is created atomically; roll the receiver side back
		_, _ = s.receiverRepo.Delete(ctx, receiverID)
		s.discardFiles(ctx, secretFiles)
		return StoreMessageResult{}, fmt.Errorf("failed to persist sender message [%w]", err)
	}

	log.WithFields(s.LogTags).Debugf("Stored message %s", senderID)

	return StoreMessageResult{
		SenderID: senderID, ReceiverID: receiverID, LinkSecret: linkSecret,
	}, nil
}

// wrapContentKey encrypt the content key under a key derived from the
// password (or placeholder) and the link secret. The raw content key is
// never persisted.
func (s *senderService) wrapContentKey(
	password string, linkSecret []byte, contentKey []byte, contentIv []byte,
) ([]byte, error) {
	wrapKey, err := s.cryptor.KeyFromSaltedPasswordAndSecret(password, linkSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrap key [%w]", err)
	}
	wrappedKey, err := s.cryptor.Encrypt(contentKey, models.NewKeyIv(wrapKey, contentIv))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key [%w]", err)
	}
	return wrappedKey, nil
}

// encryptMessage encrypt the message body with the content key and a fresh IV
func (s *senderService) encryptMessage(
	message string, contentKey []byte,
) (*models.CryptedData, error) {
	if message == "" {
		return nil, nil
	}

	messageIv, err := s.cryptor.NewIV()
	if err != nil {
		return nil, fmt.Errorf("failed to mint message IV [%w]", err)
	}
	ciphered, err := s.cryptor.Encrypt([]byte(message), models.NewKeyIv(contentKey, messageIv))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message body [%w]", err)
	}
	return &models.CryptedData{Data: ciphered, IV: messageIv}, nil
}

// encryptFiles store each upload encrypted under the content key with a
// file-specific IV
func (s *senderService) encryptFiles(
	ctx context.Context, uploads []FileUpload, contentKey []byte, expiration time.Time,
) ([]models.SecretFile, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	secretFiles := make([]models.SecretFile, 0, len(uploads))
	for _, upload := range uploads {
		fileIv, err := s.cryptor.NewIV()
		if err != nil {
			return secretFiles, fmt.Errorf("failed to mint file IV [%w]", err)
		}
		fileKey := models.NewKeyIv(contentKey, fileIv)

		encName, err := s.cryptor.Encrypt([]byte(upload.Name), fileKey)
		if err != nil {
			return secretFiles, fmt.Errorf("failed to encrypt file name [%w]", err)
		}

		secretFile, err := s.fileRepo.StoreFile(
			ctx,
			newTransferID(),
			models.CryptedData{Data: encName, IV: fileIv},
			upload.Content,
			fileKey,
			expiration,
		)
		if err != nil {
			return secretFiles, fmt.Errorf("failed to store file '%s' [%w]", upload.Name, err)
		}
		secretFiles = append(secretFiles, secretFile)
	}

	return secretFiles, nil
}

// discardFiles best effort cleanup of already stored files after a failure
func (s *senderService) discardFiles(ctx context.Context, secretFiles []models.SecretFile) {
	for _, secretFile := range secretFiles {
		if err := s.fileRepo.BurnFile(ctx, secretFile.ID); err != nil {
			log.WithError(err).WithFields(s.LogTags).
				Errorf("Error discarding file %s", secretFile.ID)
		}
	}
}

/*
GetSenderMessage fetch the sender-side status view

	@param ctx context.Context - execution context
	@param senderID string - the sender ID
	@returns the status record
*/
func (s *senderService) GetSenderMessage(
	ctx context.Context, senderID string,
) (models.SenderMessage, error) {
	senderMessage, err := s.senderRepo.Read(ctx, senderID)
	if err != nil {
		return models.SenderMessage{}, fmt.Errorf(
			"failed to read sender message %s [%w]", senderID, err,
		)
	}
	if senderMessage == nil {
		return models.SenderMessage{}, fmt.Errorf(
			"sender message %s [%w]", senderID, models.ErrNotFound,
		)
	}
	return *senderMessage, nil
}

/*
BurnSenderMessage revoke a transfer before retrieval: the companion receiver
record and its stored files are deleted, and the sender record is marked
burned.

	@param ctx context.Context - execution context
	@param senderID string - the sender ID
*/
func (s *senderService) BurnSenderMessage(ctx context.Context, senderID string) error {
	senderMessage, err := s.senderRepo.Read(ctx, senderID)
	if err != nil {
		return fmt.Errorf("failed to read sender message %s [%w]", senderID, err)
	}
	if senderMessage == nil {
		return fmt.Errorf("sender message %s [%w]", senderID, models.ErrNotFound)
	}

	receiverMessage, err := s.receiverRepo.Read(ctx, senderMessage.ReceiverID)
	if err != nil {
		return fmt.Errorf(
			"failed to read receiver message %s [%w]", senderMessage.ReceiverID, err,
		)
	}
	if receiverMessage != nil {
		if _, err := s.receiverRepo.Delete(ctx, receiverMessage.ID); err != nil {
			return fmt.Errorf(
				"failed to delete receiver message %s [%w]", receiverMessage.ID, err,
			)
		}
		s.discardFiles(ctx, receiverMessage.Files)
	}

	if !senderMessage.Resolved() {
		now := time.Now()
		senderMessage.BurnedAt = &now
		if err := s.senderRepo.Update(ctx, senderID, *senderMessage); err != nil {
			return fmt.Errorf("failed to mark sender message %s burned [%w]", senderID, err)
		}
	}

	log.WithFields(s.LogTags).Infof("Burned message %s", senderID)
	return nil
}
