package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/folkengine/goname"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo domain-separates the encryption key from other sha256 uses of the
// connect password (room id, signing key).
const hkdfInfo = "vaultroom/field-encryption/v1"

// RoomID derives the storage identifier of a room from its connect password.
// Deterministic, so any holder of the password can recompute it.
func RoomID(connectPassword string) string {
	mustPassword(connectPassword, "connect password")
	sum := sha256.Sum256([]byte("room-id:" + connectPassword))
	return hex.EncodeToString(sum[:])
}

// ConnectPassword derives the member-level secret from the creator-only
// delete password. One-way: holding the connect password does not yield the
// delete password.
func ConnectPassword(deletePassword string) string {
	mustPassword(deletePassword, "delete password")
	sum := sha256.Sum256([]byte(deletePassword))
	return hex.EncodeToString(sum[:])
}

// EncryptionKey derives the symmetric key used for both blob and field
// encryption. Reproducible from the connect password alone.
func EncryptionKey(connectPassword string) []byte {
	mustPassword(connectPassword, "connect password")
	r := hkdf.New(sha256.New, []byte(connectPassword), nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("hkdf read: %s", err))
	}
	return key
}

// SigningKey derives the HMAC key for session credentials.
func SigningKey(connectPassword string) []byte {
	mustPassword(connectPassword, "connect password")
	sum := sha256.Sum256([]byte("signing-key:" + connectPassword))
	return sum[:]
}

// GenerateDeletePassword produces the room creator's mnemonic secret: a
// generated name plus random hex, e.g. "tharending-weramoor-3f9a21c4".
func GenerateDeletePassword() string {
	name := goname.New(goname.FantasyMap).FirstLast()
	name = strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		panic(fmt.Sprintf("read random: %s", err))
	}
	return name + "-" + hex.EncodeToString(suffix)
}

// A missing password is a contract violation on the caller's side, never a
// runtime condition to retry.
func mustPassword(pw, what string) {
	if pw == "" {
		panic("keys: empty " + what)
	}
}
