package isolation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"aegis/cmd/identity"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen    = chacha20poly1305.KeySize
	saltNonce = 16

	wrapInfo   = "aegis/namespace-wrap/v1"
	saltDomain = "aegis/namespace-salt/v1"
)

// deriveWrapKey expands the master key into the key that seals namespace keys.
func deriveWrapKey(master []byte) ([]byte, error) {
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(wrapInfo)), out); err != nil {
		return nil, fmt.Errorf("isolation: derive wrap key: %w", err)
	}
	return out, nil
}

// newSalt binds a fresh salt to its namespace, tenant and scope.
func newSalt(namespace, tenantID, scope string) ([]byte, error) {
	nonce := make([]byte, saltNonce)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("isolation: salt nonce: %w", err)
	}
	h := sha256.New()
	writeField(h, []byte(saltDomain))
	writeField(h, []byte(namespace))
	writeField(h, []byte(tenantID))
	writeField(h, []byte(scope))
	writeField(h, nonce)
	return h.Sum(nil), nil
}

// deriveNamespaceKey runs PBKDF2-SHA256 over the master key.
func deriveNamespaceKey(master, salt []byte, iterations int) []byte {
	return pbkdf2.Key(master, salt, iterations, keyLen, sha256.New)
}

// seal encrypts plaintext under key and returns nonce || ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("isolation: aead: %w", err)
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("isolation: nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, aad), nil
}

// open reverses seal. Any failure is ErrDecryptionFailed and returns no
// plaintext.
func open(key, sealed, aad []byte) ([]byte, error) {
	const op = "isolation.open"
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, identity.Fail(op, identity.ErrDecryptionFailed, "bad key")
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, identity.Fail(op, identity.ErrDecryptionFailed, "ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, identity.Fail(op, identity.ErrDecryptionFailed, "authentication failed")
	}
	return plain, nil
}

// bindAAD length-prefixes each part so ("ab","c") and ("a","bc") differ.
func bindAAD(parts ...string) []byte {
	var out []byte
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}
