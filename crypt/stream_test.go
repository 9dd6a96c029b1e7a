package crypt_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/alwitt/bonfire/crypt"
	"github.com/alwitt/bonfire/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testKeyIv(t *testing.T, uut crypt.Cryptor) models.KeyIv {
	key, err := uut.NewKey()
	assert.Nil(t, err)
	iv, err := uut.NewIV()
	assert.Nil(t, err)
	return models.NewKeyIv(key, iv)
}

func TestStreamRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := crypt.NewCryptorWithSalt(testSalt(t))
	assert.Nil(err)

	for _, plainLen := range []int{0, 1, 16, 31, 4096, 32*1024 + 7, 100 * 1024} {
		keyIv := testKeyIv(t, uut)

		plain := make([]byte, plainLen)
		_, err := rand.Read(plain)
		assert.Nil(err)

		var ciphered bytes.Buffer
		cryptOut, err := uut.EncryptStream(&ciphered, keyIv)
		assert.Nil(err)
		// Feed in uneven chunks to exercise partial block buffering
		for offset := 0; offset < len(plain); {
			end := offset + 13
			if end > len(plain) {
				end = len(plain)
			}
			written, err := cryptOut.Write(plain[offset:end])
			assert.Nil(err)
			assert.Equal(end-offset, written)
			offset = end
		}
		assert.Nil(cryptOut.Close())
		assert.Equal(0, ciphered.Len()%crypt.IVSize)
		assert.Greater(ciphered.Len(), plainLen)

		cryptIn, err := uut.DecryptStream(bytes.NewReader(ciphered.Bytes()), keyIv)
		assert.Nil(err)
		recovered, err := io.ReadAll(cryptIn)
		assert.Nil(err)
		assert.Nil(cryptIn.Close())
		assert.Equal(plain, recovered)
	}
}

func TestStreamMatchesBlobCipher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := crypt.NewCryptorWithSalt(testSalt(t))
	assert.Nil(err)
	keyIv := testKeyIv(t, uut)

	plain := make([]byte, 1000)
	_, err = rand.Read(plain)
	assert.Nil(err)

	blob, err := uut.Encrypt(plain, keyIv)
	assert.Nil(err)

	var streamed bytes.Buffer
	cryptOut, err := uut.EncryptStream(&streamed, keyIv)
	assert.Nil(err)
	_, err = cryptOut.Write(plain)
	assert.Nil(err)
	assert.Nil(cryptOut.Close())

	// Same key material must yield the same ciphertext either way
	assert.Equal(blob, streamed.Bytes())

	recovered, err := uut.Decrypt(streamed.Bytes(), keyIv)
	assert.Nil(err)
	assert.Equal(plain, recovered)
}

func TestStreamWriteAfterClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := crypt.NewCryptorWithSalt(testSalt(t))
	assert.Nil(err)

	var ciphered bytes.Buffer
	cryptOut, err := uut.EncryptStream(&ciphered, testKeyIv(t, uut))
	assert.Nil(err)
	assert.Nil(cryptOut.Close())
	// Close twice is a no-op
	assert.Nil(cryptOut.Close())

	_, err = cryptOut.Write([]byte("late"))
	assert.NotNil(err)
}

func TestStreamRejectsMalformedCiphertext(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := crypt.NewCryptorWithSalt(testSalt(t))
	assert.Nil(err)
	keyIv := testKeyIv(t, uut)

	plain := make([]byte, 100)
	_, err = rand.Read(plain)
	assert.Nil(err)
	ciphered, err := uut.Encrypt(plain, keyIv)
	assert.Nil(err)

	var decryptErr *models.DecryptionError

	// Truncated off the block boundary
	cryptIn, err := uut.DecryptStream(bytes.NewReader(ciphered[:len(ciphered)-1]), keyIv)
	assert.Nil(err)
	_, err = io.ReadAll(cryptIn)
	assert.NotNil(err)
	assert.True(errors.As(err, &decryptErr))

	// Empty source
	cryptIn, err = uut.DecryptStream(bytes.NewReader(nil), keyIv)
	assert.Nil(err)
	_, err = io.ReadAll(cryptIn)
	assert.NotNil(err)
	assert.True(errors.As(err, &decryptErr))
}
