package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/alwitt/bonfire/models"
)

// newBlockMode validate key material and prepare a CBC block mode
func newBlockMode(keyIv models.KeyIv, encrypt bool) (cipher.BlockMode, error) {
	if len(keyIv.Key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(keyIv.Key))
	}
	if len(keyIv.IV) != IVSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", IVSize, len(keyIv.IV))
	}
	block, err := aes.NewCipher(keyIv.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare cipher [%w]", err)
	}
	if encrypt {
		return cipher.NewCBCEncrypter(block, keyIv.IV), nil
	}
	return cipher.NewCBCDecrypter(block, keyIv.IV), nil
}

// pkcs7Pad append PKCS#7 padding, always at least one byte
func pkcs7Pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validate and strip PKCS#7 padding
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &models.DecryptionError{Reason: "plaintext length is not block aligned"}
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, &models.DecryptionError{Reason: "invalid padding"}
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, &models.DecryptionError{Reason: "invalid padding"}
		}
	}
	return data[:len(data)-padLen], nil
}

/*
Encrypt encrypt a plaintext blob

	@param plain []byte - the plaintext
	@param keyIv models.KeyIv - key and IV to encrypt with
	@returns the ciphertext
*/
func (c *cryptor) Encrypt(plain []byte, keyIv models.KeyIv) ([]byte, error) {
	mode, err := newBlockMode(keyIv, true)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain)
	ciphered := make([]byte, len(padded))
	mode.CryptBlocks(ciphered, padded)
	return ciphered, nil
}

/*
Decrypt decrypt a ciphertext blob

	@param ciphered []byte - the ciphertext
	@param keyIv models.KeyIv - key and IV to decrypt with
	@returns the plaintext
*/
func (c *cryptor) Decrypt(ciphered []byte, keyIv models.KeyIv) ([]byte, error) {
	mode, err := newBlockMode(keyIv, false)
	if err != nil {
		return nil, err
	}
	if len(ciphered) == 0 || len(ciphered)%aes.BlockSize != 0 {
		return nil, &models.DecryptionError{Reason: "ciphertext length is not block aligned"}
	}
	plain := make([]byte, len(ciphered))
	mode.CryptBlocks(plain, ciphered)
	return pkcs7Unpad(plain)
}

/*
EncryptStream wrap a writer so plaintext written to it reaches `dst`
encrypted. Close flushes the final padded block.

	@param dst io.Writer - destination for ciphertext
	@param keyIv models.KeyIv - key and IV to encrypt with
	@returns plaintext sink
*/
func (c *cryptor) EncryptStream(dst io.Writer, keyIv models.KeyIv) (io.WriteCloser, error) {
	mode, err := newBlockMode(keyIv, true)
	if err != nil {
		return nil, err
	}
	return &cbcWriter{dst: dst, mode: mode}, nil
}

/*
DecryptStream wrap a reader of ciphertext into a reader of plaintext. Close
also closes `src` when it is an io.Closer.

	@param src io.Reader - ciphertext source
	@param keyIv models.KeyIv - key and IV to decrypt with
	@returns plaintext source
*/
func (c *cryptor) DecryptStream(src io.Reader, keyIv models.KeyIv) (io.ReadCloser, error) {
	mode, err := newBlockMode(keyIv, false)
	if err != nil {
		return nil, err
	}
	return &cbcReader{src: src, mode: mode, chunk: make([]byte, 32*1024)}, nil
}

// cbcWriter CBC encrypting plaintext sink. Not safe for concurrent use.
type cbcWriter struct {
	dst    io.Writer
	mode   cipher.BlockMode
	rem    []byte
	closed bool
}

func (w *cbcWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed encryption stream")
	}

	w.rem = append(w.rem, p...)
	full := len(w.rem) - len(w.rem)%aes.BlockSize
	if full > 0 {
		ciphered := make([]byte, full)
		w.mode.CryptBlocks(ciphered, w.rem[:full])
		if _, err := w.dst.Write(ciphered); err != nil {
			return 0, fmt.Errorf("failed to write ciphertext [%w]", err)
		}
		w.rem = append([]byte(nil), w.rem[full:]...)
	}
	return len(p), nil
}

// Close flush the final padded block. The ciphertext is incomplete until
// Close returns.
func (w *cbcWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	final := pkcs7Pad(w.rem)
	ciphered := make([]byte, len(final))
	w.mode.CryptBlocks(ciphered, final)
	w.rem = nil
	if _, err := w.dst.Write(ciphered); err != nil {
		return fmt.Errorf("failed to write final ciphertext block [%w]", err)
	}
	return nil
}

// cbcReader CBC decrypting plaintext source. The final decrypted block is
// withheld until the source reports EOF so the padding can be stripped.
// Not safe for concurrent use.
type cbcReader struct {
	src   io.Reader
	mode  cipher.BlockMode
	chunk []byte
	// rem undecrypted ciphertext shorter than one block
	rem []byte
	// held trailing decrypted block, candidate for padding removal
	held []byte
	// out decrypted bytes ready for the caller
	out []byte
	eof bool
	err error
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 && !r.eof && r.err == nil {
		r.err = r.fill()
	}

	if len(r.out) > 0 {
		n := copy(p, r.out)
		r.out = r.out[n:]
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	return 0, io.EOF
}

func (r *cbcReader) fill() error {
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.rem = append(r.rem, r.chunk[:n]...)
		full := len(r.rem) - len(r.rem)%aes.BlockSize
		if full > 0 {
			plain := make([]byte, full)
			r.mode.CryptBlocks(plain, r.rem[:full])
			r.rem = append([]byte(nil), r.rem[full:]...)
			r.held = append(r.held, plain...)
		}
		// Emit everything except the trailing block
		if len(r.held) > aes.BlockSize {
			emit := len(r.held) - aes.BlockSize
			r.out = append(r.out, r.held[:emit]...)
			r.held = append([]byte(nil), r.held[emit:]...)
		}
	}

	if err == io.EOF {
		if len(r.rem) != 0 {
			return &models.DecryptionError{Reason: "ciphertext length is not block aligned"}
		}
		if len(r.held) == 0 {
			return &models.DecryptionError{Reason: "empty ciphertext"}
		}
		plain, uerr := pkcs7Unpad(r.held)
		if uerr != nil {
			return uerr
		}
		r.out = append(r.out, plain...)
		r.held = nil
		r.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ciphertext [%w]", err)
	}
	return nil
}

func (r *cbcReader) Close() error {
	if closer, ok := r.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
