// Package crypto implements the client-side envelope encryption: keys are
// derived from the reader's password and never leave the process calling
// Encrypt/Decrypt. The server only ever handles Envelope values.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2-HMAC-SHA256 work factor. OWASP floor is 300k; keep headroom.
	kdfIterations = 310_000

	keySize  = 32 // AES-256
	saltSize = 16
	ivSize   = 12 // GCM standard nonce size

	tokenLength        = 24 // 192-bit tokens, no collision loop needed
	creatorTokenLength = 32

	// Transport chunk size. 48 KiB is divisible by 3, so base64 chunks
	// concatenate into one valid base64 stream without inner padding.
	transportChunk = 48 * 1024
)

// ErrDecryptFailed is returned when the GCM tag does not verify: wrong
// password or tampered ciphertext, indistinguishable on purpose.
var ErrDecryptFailed = errors.New("decryption failed")

// Envelope is the encrypted form of a message or attachment as the server
// sees it.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
}

// Encrypt seals plaintext under a key derived from password. A fresh salt
// and IV are generated per call.
func Encrypt(plaintext []byte, password string) (*Envelope, error) {
	salt := randBytes(saltSize)
	iv := randBytes(ivSize)

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Salt:       salt,
	}, nil
}

// Decrypt opens an envelope with the given password. A wrong password or
// tampered ciphertext fails hard with ErrDecryptFailed rather than
// producing garbage.
func Decrypt(env *Envelope, password string) ([]byte, error) {
	if len(env.IV) != ivSize || len(env.Salt) != saltSize {
		return nil, ErrDecryptFailed
	}

	gcm, err := newGCM(password, env.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := DeriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

// DeriveKey stretches a password into an AES-256 key with
// PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// GenerateToken returns a fresh message token: 192 random bits,
// base64url. The space is large enough that callers treat a collision as
// a hard error instead of retrying.
func GenerateToken() string {
	return base64.RawURLEncoding.EncodeToString(randBytes(tokenLength))
}

// GenerateCreatorToken returns the capability token that authorizes audit
// access for a message.
func GenerateCreatorToken() string {
	return base64.RawURLEncoding.EncodeToString(randBytes(creatorTokenLength))
}

// EncodeTransport base64-encodes data for the wire, processing large
// payloads in fixed-size chunks. Chunking is for robustness with large
// attachments, not security; the output is one contiguous base64 string.
func EncodeTransport(data []byte) string {
	if len(data) <= transportChunk {
		return base64.StdEncoding.EncodeToString(data)
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(data)))
	for off := 0; off < len(data); off += transportChunk {
		end := off + transportChunk
		if end > len(data) {
			end = len(data)
		}
		sb.WriteString(base64.StdEncoding.EncodeToString(data[off:end]))
	}
	return sb.String()
}

// DecodeTransport reverses EncodeTransport.
func DecodeTransport(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
