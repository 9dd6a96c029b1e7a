// Package service - sender and receiver lifecycle orchestration
package service

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// newTransferID mint a 64 hex character random identifier: a sha256 digest
// over high resolution time plus a random UUID. Collisions are practically
// unreachable but surface as models.ErrDuplicateID at create time.
func newTransferID() string {
	entropy := uuid.New()

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))

	hasher := sha256.New()
	_, _ = hasher.Write(ts[:])
	_, _ = hasher.Write(entropy[:])
	return hex.EncodeToString(hasher.Sum(nil))
}
