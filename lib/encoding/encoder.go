// Package encoding turns deferred-component props into the opaque query
// value carried by activation URLs, and back.
//
// A token is bound to a scope (the component's route prefix), so props
// minted for one component never decode for another. Two modes exist:
// Signed tokens are msgpack in the clear with a truncated HMAC tag, Sealed
// tokens are AES-256-GCM ciphertext with the scope as additional data.
package encoding

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors returned by Decode.
var (
	ErrInvalidFormat    = errors.New("encoding: invalid format")
	ErrSignatureInvalid = errors.New("encoding: signature verification failed")
	ErrDecryptFailed    = errors.New("encoding: decryption failed")
)

// ErrEmptyKey is returned by NewEncoder for a zero-length key.
var ErrEmptyKey = errors.New("encoding: empty key")

// Mode selects how a token protects its payload.
type Mode uint8

const (
	// Signed leaves the payload readable and detects tampering.
	Signed Mode = iota
	// Sealed encrypts the payload.
	Sealed
)

func (m Mode) String() string {
	if m == Sealed {
		return "sealed"
	}
	return "signed"
}

const tagSize = 16

var b64 = base64.RawURLEncoding

// Encoder mints and opens props tokens. It is safe for concurrent use.
type Encoder struct {
	signKey []byte
	aead    cipher.AEAD
}

// NewEncoder derives independent signing and sealing keys from key.
func NewEncoder(key []byte) (*Encoder, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	block, err := aes.NewCipher(derive(key, "hxdefer/seal"))
	if err != nil {
		return nil, fmt.Errorf("encoding: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encoding: gcm: %w", err)
	}

	return &Encoder{
		signKey: derive(key, "hxdefer/sign"),
		aead:    aead,
	}, nil
}

func derive(key []byte, label string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(label))
	return m.Sum(nil)
}

// Encode packs v with msgpack and protects it for scope. Map keys are
// sorted so equal props yield equal signed tokens.
func (e *Encoder) Encode(v any, scope string, mode Mode) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding: marshal: %w", err)
	}

	if mode == Sealed {
		return e.seal(buf.Bytes(), scope)
	}
	return e.sign(buf.Bytes(), scope), nil
}

// Decode opens a token minted for scope and unpacks it into v, which must
// be a pointer.
func (e *Encoder) Decode(token, scope string, mode Mode, v any) error {
	var (
		packed []byte
		err    error
	)
	if mode == Sealed {
		packed, err = e.open(token, scope)
	} else {
		packed, err = e.verify(token, scope)
	}
	if err != nil {
		return err
	}

	if err := msgpack.Unmarshal(packed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}

// sign yields payload "." tag.
func (e *Encoder) sign(data []byte, scope string) string {
	return b64.EncodeToString(data) + "." + b64.EncodeToString(e.tag(data, scope))
}

func (e *Encoder) verify(token, scope string) ([]byte, error) {
	payload, tagPart, ok := strings.Cut(token, ".")
	if !ok || payload == "" {
		return nil, ErrInvalidFormat
	}
	data, err := b64.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	tag, err := b64.DecodeString(tagPart)
	if err != nil || len(tag) != tagSize {
		return nil, ErrSignatureInvalid
	}
	if !hmac.Equal(tag, e.tag(data, scope)) {
		return nil, ErrSignatureInvalid
	}
	return data, nil
}

// tag authenticates scope and data together. The NUL separator keeps
// ("ab", "c") and ("a", "bc") apart.
func (e *Encoder) tag(data []byte, scope string) []byte {
	m := hmac.New(sha256.New, e.signKey)
	m.Write([]byte(scope))
	m.Write([]byte{0})
	m.Write(data)
	return m.Sum(nil)[:tagSize]
}

func (e *Encoder) seal(data []byte, scope string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(data)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encoding: nonce: %w", err)
	}
	return b64.EncodeToString(e.aead.Seal(nonce, nonce, data, []byte(scope))), nil
}

func (e *Encoder) open(token, scope string) ([]byte, error) {
	raw, err := b64.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns+e.aead.Overhead() {
		return nil, ErrInvalidFormat
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], []byte(scope))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
