package models

import "time"

// Expiring common behavior of records subject to expiry eviction
type Expiring interface {
	// GetID the record ID
	GetID() string
	// GetExpiration the absolute expiration timestamp
	GetExpiration() time.Time
}

// Message common base of the two message views
type Message struct {
	// ID 64 hex character random identifier
	ID string `json:"id" validate:"required,transfer_id"`
	// Expiration absolute expiration timestamp, strictly in the future at
	// creation time
	Expiration time.Time `json:"expiration" validate:"required"`
}

// GetID the record ID
func (m Message) GetID() string { return m.ID }

// GetExpiration the absolute expiration timestamp
func (m Message) GetExpiration() time.Time { return m.Expiration }

// Expired whether the record expired as of `now`
func (m Message) Expired(now time.Time) bool { return now.After(m.Expiration) }

/*
SenderMessage the sender-side status tracker of a transfer.

It references the companion ReceiverMessage only by ID and never carries
receiver-side secrets. The three terminal timestamps are each set at most
once, and are mutually exclusive over the record's lifetime.
*/
type SenderMessage struct {
	Message

	// ReceiverID ID of the companion receiver record
	ReceiverID string `json:"receiver_id" validate:"required,transfer_id"`

	// PasswordEncrypted whether retrieval requires a password
	PasswordEncrypted bool `json:"password_encrypted"`

	// ReceivedAt set when the receiver successfully retrieved the secret
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	// BurnedAt set when the sender revoked the secret before retrieval
	BurnedAt *time.Time `json:"burned_at,omitempty"`
	// InvalidatedAt set when password attempts were exhausted
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}

// Resolved whether a terminal outcome has been recorded
func (m SenderMessage) Resolved() bool {
	return m.ReceivedAt != nil || m.BurnedAt != nil || m.InvalidatedAt != nil
}

/*
ReceiverMessage the retrievable encrypted record of a transfer.

The KeyIv field holds the content key in wrapped form only; the raw content
key is never persisted. The record is deleted on successful retrieval, on
password attempt exhaustion, or on expiry sweep, whichever occurs first.
*/
type ReceiverMessage struct {
	Message

	// SenderID back-reference to the companion sender record
	SenderID string `json:"sender_id" validate:"required,transfer_id"`

	// PasswordHash salted one-way hash of the retrieval password, empty when
	// the transfer is not password protected
	PasswordHash string `json:"password_hash,omitempty"`

	// KeyIv the wrapped content key plus the content IV
	KeyIv KeyIv `json:"key_iv"`

	// EncMessage the encrypted message body, nil if the secret is files only
	EncMessage *CryptedData `json:"message,omitempty"`

	// Files the attached secret files
	Files []SecretFile `json:"files,omitempty"`

	// DecryptAttempts count of failed password attempts, persisted so the
	// count survives process restarts
	DecryptAttempts int `json:"decrypt_attempts"`
}

// PasswordProtected whether retrieval requires a password
func (m ReceiverMessage) PasswordProtected() bool { return m.PasswordHash != "" }

// SecretFile metadata of one encrypted stored file
type SecretFile struct {
	// ID file ID
	ID string `json:"id" validate:"required,transfer_id"`
	// Name the encrypted original file name
	Name CryptedData `json:"name"`
	// OriginalFileSize plaintext size in bytes
	OriginalFileSize int64 `json:"original_file_size"`
	// StoredFileSize ciphertext size in bytes
	StoredFileSize int64 `json:"stored_file_size"`
	// KeyIv per-file key material: the content key paired with a
	// file-specific IV
	KeyIv KeyIv `json:"key_iv"`
	// Expiration mirrors the parent message's expiration
	Expiration time.Time `json:"expiration" validate:"required"`
}

// GetID the record ID
func (f SecretFile) GetID() string { return f.ID }

// GetExpiration the absolute expiration timestamp
func (f SecretFile) GetExpiration() time.Time { return f.Expiration }

// Expired whether the file expired as of `now`
func (f SecretFile) Expired(now time.Time) bool { return now.After(f.Expiration) }
