package models

import (
	"errors"
	"fmt"
)

// Error values forming the failure taxonomy of the transfer lifecycle. Callers
// are expected to match with errors.Is.
var (
	// ErrNotFound the requested record is unknown, expired, already burned, or
	// locked out after attempt exhaustion. These cases are deliberately
	// indistinguishable.
	ErrNotFound = errors.New("message not found")

	// ErrDuplicateID a record with the same ID already exists
	ErrDuplicateID = errors.New("duplicate message ID")

	// ErrWrongPassword the supplied password did not match, attempts still
	// under the cap
	ErrWrongPassword = errors.New("incorrect password")

	// ErrInvalidState a password was required but not supplied, or supplied
	// when not required
	ErrInvalidState = errors.New("invalid request state")
)

// DecryptionError ciphertext, key, or IV mismatch detected during decryption.
//
// Detection relies on padding and format validity; there is no authentication
// tag in this design.
type DecryptionError struct {
	Reason string
	Cause  error
}

func (e *DecryptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decryption failure: %s [%s]", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decryption failure: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}
