// Package sealed wraps nacl/secretbox into symmetric sealed blobs with
// the nonce packed in front. The contacts backup stores its payload in
// this format.
package sealed

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Overhead is how much a sealed blob grows over its plaintext.
const Overhead = nonceSize + secretbox.Overhead

// Seal encrypts data with key under a fresh random nonce and returns the
// blob with the nonce packed in front.
func Seal(data []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], data, &nonce, key), nil
}

// Open decrypts a blob produced by Seal. It returns false when the blob
// is truncated, corrupt or sealed under a different key.
func Open(blob []byte, key *[32]byte) ([]byte, bool) {
	if len(blob) < Overhead {
		return nil, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	return secretbox.Open(nil, blob[nonceSize:], &nonce, key)
}
