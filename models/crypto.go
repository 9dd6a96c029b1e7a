// Package models - transfer lifecycle data models
package models

import "encoding/hex"

// KeyIv a symmetric key with its initialization vector.
//
// Raw key material must never be logged, and is only persisted where the data
// model explicitly calls for it (the wrapped content key and the per-file
// keys of a stored secret).
type KeyIv struct {
	// Key the symmetric key (32 bytes)
	Key []byte `json:"key" validate:"required,len=32"`
	// IV the initialization vector (16 bytes)
	IV []byte `json:"iv" validate:"required,len=16"`
}

// NewKeyIv define a KeyIv holding defensive copies of the given material
func NewKeyIv(key []byte, iv []byte) KeyIv {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(iv))
	copy(v, iv)
	return KeyIv{Key: k, IV: v}
}

// KeyHex the key half as lower case hex
func (k KeyIv) KeyHex() string {
	return hex.EncodeToString(k.Key)
}

// CryptedData an encrypted blob together with the IV that produced it
type CryptedData struct {
	// Data the ciphertext
	Data []byte `json:"data" validate:"required"`
	// IV the initialization vector used during encryption
	IV []byte `json:"iv" validate:"required,len=16"`
}

// DecryptedMessage the one-time view of a retrieved secret
type DecryptedMessage struct {
	// Message the decrypted message body, empty if the secret carried none
	Message string
	// Files decryption metadata of the attached files. File content itself is
	// decrypted lazily on download.
	Files []DecryptedFile
}

// DecryptedFile download metadata of one attached file
type DecryptedFile struct {
	// ID file ID
	ID string
	// Name the decrypted original file name
	Name string
	// OriginalFileSize plaintext size in bytes
	OriginalFileSize int64
	// KeyIv the per-file key material needed for download
	KeyIv KeyIv
}
