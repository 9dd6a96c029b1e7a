// Package crypt - cryptographic engine for the transfer lifecycle
package crypt

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alwitt/bonfire/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/bcrypt"
)

const (
	// KeySize symmetric key length in bytes (AES-256)
	KeySize = 32
	// IVSize initialization vector length in bytes
	IVSize = 16
	// SaltSize instance salt length in bytes
	SaltSize = 8

	saltFileName = "salt"
)

/*
Cryptor the system's cryptography engine. It is solely responsible for all
cryptographic operations: secure randomness, key and IV generation, password
derived key material, and AES-256-CBC encryption with PKCS#7 padding.

Decryption failures are detected through padding and format validity only;
the engine deliberately provides no authenticated encryption guarantee.
*/
type Cryptor interface {
	/*
		NewKey generate a new random 32 byte symmetric key

			@returns the key
	*/
	NewKey() ([]byte, error)

	/*
		NewIV generate a new random 16 byte initialization vector

			@returns the IV
	*/
	NewIV() ([]byte, error)

	/*
		KeyFromSaltedPassword derive a 32 byte key from the instance salt and a
		password

			@param password string - the password
			@returns the derived key
	*/
	KeyFromSaltedPassword(password string) ([]byte, error)

	/*
		KeyFromSaltedPasswordAndSecret derive a 32 byte key from the instance
		salt, a password, and a link secret which is never persisted anywhere
		in the system

			@param password string - the password
			@param linkSecret []byte - the link secret
			@returns the derived key
	*/
	KeyFromSaltedPasswordAndSecret(password string, linkSecret []byte) ([]byte, error)

	/*
		Encrypt encrypt a plaintext blob

			@param plain []byte - the plaintext
			@param keyIv models.KeyIv - key and IV to encrypt with
			@returns the ciphertext
	*/
	Encrypt(plain []byte, keyIv models.KeyIv) ([]byte, error)

	/*
		Decrypt decrypt a ciphertext blob

			@param ciphered []byte - the ciphertext
			@param keyIv models.KeyIv - key and IV to decrypt with
			@returns the plaintext
	*/
	Decrypt(ciphered []byte, keyIv models.KeyIv) ([]byte, error)

	/*
		EncryptStream wrap a writer so plaintext written to it reaches `dst`
		encrypted. Close flushes the final padded block.

			@param dst io.Writer - destination for ciphertext
			@param keyIv models.KeyIv - key and IV to encrypt with
			@returns plaintext sink
	*/
	EncryptStream(dst io.Writer, keyIv models.KeyIv) (io.WriteCloser, error)

	/*
		DecryptStream wrap a reader of ciphertext into a reader of plaintext.
		Close also closes `src` when it is an io.Closer.

			@param src io.Reader - ciphertext source
			@param keyIv models.KeyIv - key and IV to decrypt with
			@returns plaintext source
	*/
	DecryptStream(src io.Reader, keyIv models.KeyIv) (io.ReadCloser, error)

	/*
		HashPassword compute the salted one-way hash persisted for later
		password verification

			@param password string - the password
			@returns the hash
	*/
	HashPassword(password string) (string, error)

	/*
		CheckPassword verify a password against a persisted hash

			@param password string - the candidate password
			@param hash string - the persisted hash
			@returns whether the password matches
	*/
	CheckPassword(password string, hash string) bool
}

// cryptor implements Cryptor
type cryptor struct {
	goutils.Component

	// salt the instance salt, parked in a memguard enclave between uses
	salt *memguard.Enclave
}

/*
NewCryptor define a new cryptography engine.

The instance salt is loaded from `<baseDir>/salt`, or generated and persisted
there with restricted permissions on first run. Reusing one process-wide salt
across all passwords is intentional.

	@param baseDir string - base storage directory
	@returns engine instance
*/
func NewCryptor(baseDir string) (Cryptor, error) {
	salt, err := initSalt(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instance salt [%w]", err)
	}
	return NewCryptorWithSalt(salt)
}

/*
NewCryptorWithSalt define a new cryptography engine using the given salt.

	@param salt []byte - the instance salt
	@returns engine instance
*/
func NewCryptorWithSalt(salt []byte) (Cryptor, error) {
	// The runtime must support 256 bit AES keys. Failing this is fatal.
	if _, err := aes.NewCipher(make([]byte, KeySize)); err != nil {
		return nil, fmt.Errorf("cipher does not support %d byte keys [%w]", KeySize, err)
	}

	if len(salt) != SaltSize {
		return nil, fmt.Errorf("instance salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	logTags := log.Fields{"package": "bonfire", "module": "crypt", "component": "cryptor"}

	instance := &cryptor{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		// NewEnclave wipes the input buffer
		salt: memguard.NewEnclave(salt),
	}

	return instance, nil
}

// initSalt load the persisted instance salt, generating it on first run
func initSalt(baseDir string) ([]byte, error) {
	saltFile := filepath.Join(baseDir, saltFileName)

	if salt, err := os.ReadFile(saltFile); err == nil {
		return salt, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file %s [%w]", saltFile, err)
	}

	newSalt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, newSalt); err != nil {
		return nil, fmt.Errorf("failed to generate salt [%w]", err)
	}

	fd, err := os.OpenFile(saltFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost a creation race; reuse the winner's salt
			return os.ReadFile(saltFile)
		}
		return nil, fmt.Errorf("failed to create salt file %s [%w]", saltFile, err)
	}
	if _, err := fd.Write(newSalt); err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("failed to write salt file %s [%w]", saltFile, err)
	}
	if err := fd.Close(); err != nil {
		return nil, fmt.Errorf("failed to close salt file %s [%w]", saltFile, err)
	}

	log.WithFields(log.Fields{
		"package": "bonfire", "module": "crypt", "component": "cryptor",
	}).Infof("Initialized instance salt at %s", saltFile)

	return newSalt, nil
}

/*
NewKey generate a new random 32 byte symmetric key

	@returns the key
*/
func (c *cryptor) NewKey() ([]byte, error) {
	return c.newRandom(KeySize)
}

/*
NewIV generate a new random 16 byte initialization vector

	@returns the IV
*/
func (c *cryptor) NewIV() ([]byte, error) {
	return c.newRandom(IVSize)
}

func (c *cryptor) newRandom(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes from CSPRNG [%w]", size, err)
	}
	return buf, nil
}

/*
KeyFromSaltedPassword derive a 32 byte key from the instance salt and a
password

	@param password string - the password
	@returns the derived key
*/
func (c *cryptor) KeyFromSaltedPassword(password string) ([]byte, error) {
	return c.deriveKey(password, nil)
}

/*
KeyFromSaltedPasswordAndSecret derive a 32 byte key from the instance salt, a
password, and a link secret which is never persisted anywhere in the system

	@param password string - the password
	@param linkSecret []byte - the link secret
	@returns the derived key
*/
func (c *cryptor) KeyFromSaltedPasswordAndSecret(
	password string, linkSecret []byte,
) ([]byte, error) {
	return c.deriveKey(password, linkSecret)
}

// deriveKey sha256(salt ‖ password ‖ linkSecret)
func (c *cryptor) deriveKey(password string, linkSecret []byte) ([]byte, error) {
	saltBuf, err := c.salt.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access instance salt [%w]", err)
	}
	defer saltBuf.Destroy()

	hasher := sha256.New()
	_, _ = hasher.Write(saltBuf.Bytes())
	_, _ = hasher.Write([]byte(password))
	if len(linkSecret) > 0 {
		_, _ = hasher.Write(linkSecret)
	}
	return hasher.Sum(nil), nil
}

/*
HashPassword compute the salted one-way hash persisted for later password
verification

	@param password string - the password
	@returns the hash
*/
func (c *cryptor) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password [%w]", err)
	}
	return string(hash), nil
}

/*
CheckPassword verify a password against a persisted hash

	@param password string - the candidate password
	@param hash string - the persisted hash
	@returns whether the password matches
*/
func (c *cryptor) CheckPassword(password string, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
