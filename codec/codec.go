package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextShort = errors.New("codec: ciphertext shorter than nonce")
	ErrOpenFailed      = errors.New("codec: could not authenticate ciphertext")
)

// FieldCodec encrypts and decrypts individual fields (message bodies, display
// names). Implementations are injected into the services that need them.
type FieldCodec interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// Codec is an AEAD field codec over a derived symmetric key. The wire form is
// base64(nonce || ciphertext).
type Codec struct {
	aead cipher.AEAD
}

func New(key []byte) (*Codec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Codec{aead: aead}, nil
}

func (c *Codec) Seal(plaintext string) (string, error) {
	return c.seal([]byte(plaintext))
}

func (c *Codec) Open(ciphertext string) (string, error) {
	plain, err := c.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SealJSON marshals v and seals the result, used for whole-room storage
// blobs.
func (c *Codec) SealJSON(v interface{}) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	return c.seal(plain)
}

// OpenJSON opens a sealed blob and unmarshals it into v.
func (c *Codec) OpenJSON(ciphertext string, v interface{}) error {
	plain, err := c.open(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

func (c *Codec) seal(plain []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("codec: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, ErrCiphertextShort
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}
