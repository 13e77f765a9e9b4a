// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// envelope implements the whisper message envelope: NaCl box encryption
// plus an Ed25519 detached signature over a canonical signing string.
//
// The canonical string is frozen across all client platforms:
//
//	v1\n
//	msgType\n
//	messageId\n
//	from\n
//	toOrGroupId\n
//	timestamp\n
//	base64(nonce)\n
//	base64(ciphertext)\n
//
// including the trailing newline. The signature is computed over the
// SHA-256 digest of this string, not over the string itself. Any deviation
// breaks cross-platform signature verification.

package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	canonicalVersion = "v1"

	// NonceSize is the box nonce size.
	NonceSize = 24

	// KeySize is the box key size, public or private.
	KeySize = 32

	// SignatureSize is the detached signature size.
	SignatureSize = 64

	// Overhead is the MAC overhead the box construction adds to the
	// plaintext.
	Overhead = box.Overhead
)

var (
	// ErrSignatureMismatch is returned by Verify and Open when the
	// detached signature does not match the canonical string.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrDecryptionFailed is returned by Open when the box
	// authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// CryptoError is the failure type of every operation in this package. A
// crypto failure always aborts the operation that hit it; callers must
// never use a partially built envelope.
type CryptoError struct {
	Op  string
	Err error
}

func (err CryptoError) Error() string {
	return fmt.Sprintf("crypto error in %s: %v", err.Op, err.Err)
}

func (err CryptoError) Unwrap() error {
	return err.Err
}

func (err CryptoError) Is(other error) bool {
	_, ok := other.(CryptoError)
	return ok
}

func makeCryptoError(op, format string, args ...interface{}) CryptoError {
	return CryptoError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Data is the cleartext metadata an envelope is bound over. For group
// messages To carries the group id.
type Data struct {
	MessageID string
	From      string
	To        string
	MsgType   string
	Timestamp int64 // unix milliseconds
}

// Envelope is the immutable result of one build. It is constructed once
// per send attempt and discarded after framing; retries resend the framed
// payload, not the struct.
type Envelope struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Signature  [SignatureSize]byte
}

func (e *Envelope) NonceB64() string {
	return base64.StdEncoding.EncodeToString(e.Nonce[:])
}

func (e *Envelope) CiphertextB64() string {
	return base64.StdEncoding.EncodeToString(e.Ciphertext)
}

func (e *Envelope) SignatureB64() string {
	return base64.StdEncoding.EncodeToString(e.Signature[:])
}

// CanonicalString assembles the exact signing input for the given metadata
// and base64 fields.
func CanonicalString(d Data, nonceB64, ciphertextB64 string) string {
	var b strings.Builder
	b.WriteString(canonicalVersion)
	b.WriteByte('\n')
	b.WriteString(d.MsgType)
	b.WriteByte('\n')
	b.WriteString(d.MessageID)
	b.WriteByte('\n')
	b.WriteString(d.From)
	b.WriteByte('\n')
	b.WriteString(d.To)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(d.Timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonceB64)
	b.WriteByte('\n')
	b.WriteString(ciphertextB64)
	b.WriteByte('\n')
	return b.String()
}

func signingDigest(d Data, nonceB64, ciphertextB64 string) [sha256.Size]byte {
	return sha256.Sum256([]byte(CanonicalString(d, nonceB64, ciphertextB64)))
}

// Build encrypts plaintext to the recipient and signs the canonical string.
// A fresh random nonce is drawn from the CSPRNG on every call; nonces are
// never reused. Build has no side effects beyond consuming entropy.
func Build(plaintext []byte, d Data, signPriv ed25519.PrivateKey,
	encPriv, recipientEncPub []byte) (*Envelope, error) {

	if len(signPriv) != ed25519.PrivateKeySize {
		return nil, makeCryptoError("build",
			"sign private key must be %d bytes, not %d",
			ed25519.PrivateKeySize, len(signPriv))
	}
	if len(encPriv) != KeySize {
		return nil, makeCryptoError("build",
			"enc private key must be %d bytes, not %d",
			KeySize, len(encPriv))
	}
	if len(recipientEncPub) != KeySize {
		return nil, makeCryptoError("build",
			"recipient public key must be %d bytes, not %d",
			KeySize, len(recipientEncPub))
	}

	var env Envelope
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, makeCryptoError("build", "nonce generation: %v", err)
	}

	env.Ciphertext = box.Seal(nil, plaintext, &env.Nonce,
		(*[KeySize]byte)(recipientEncPub), (*[KeySize]byte)(encPriv))

	digest := signingDigest(d, env.NonceB64(), env.CiphertextB64())
	copy(env.Signature[:], ed25519.Sign(signPriv, digest[:]))
	return &env, nil
}

// Verify checks an inbound envelope's detached signature against the
// canonical string rebuilt from its metadata and base64 fields.
func Verify(d Data, nonceB64, ciphertextB64, sigB64 string,
	senderSignPub []byte) error {

	if len(senderSignPub) != ed25519.PublicKeySize {
		return makeCryptoError("verify",
			"sign public key must be %d bytes, not %d",
			ed25519.PublicKeySize, len(senderSignPub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return makeCryptoError("verify", "signature not base64: %v", err)
	}
	if len(sig) != SignatureSize {
		return makeCryptoError("verify",
			"signature must be %d bytes, not %d",
			SignatureSize, len(sig))
	}

	digest := signingDigest(d, nonceB64, ciphertextB64)
	if !ed25519.Verify(ed25519.PublicKey(senderSignPub), digest[:], sig) {
		return CryptoError{Op: "verify", Err: ErrSignatureMismatch}
	}
	return nil
}

// Open verifies the signature and then decrypts the ciphertext with the
// sender's public and the local private box keys, returning the plaintext.
func Open(d Data, nonceB64, ciphertextB64, sigB64 string,
	senderSignPub, senderEncPub, encPriv []byte) ([]byte, error) {

	if err := Verify(d, nonceB64, ciphertextB64, sigB64, senderSignPub); err != nil {
		return nil, err
	}
	if len(senderEncPub) != KeySize {
		return nil, makeCryptoError("open",
			"sender public key must be %d bytes, not %d",
			KeySize, len(senderEncPub))
	}
	if len(encPriv) != KeySize {
		return nil, makeCryptoError("open",
			"enc private key must be %d bytes, not %d",
			KeySize, len(encPriv))
	}

	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, makeCryptoError("open", "nonce not base64: %v", err)
	}
	if len(nonce) != NonceSize {
		return nil, makeCryptoError("open",
			"nonce must be %d bytes, not %d", NonceSize, len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, makeCryptoError("open", "ciphertext not base64: %v", err)
	}

	plaintext, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(nonce),
		(*[KeySize]byte)(senderEncPub), (*[KeySize]byte)(encPriv))
	if !ok {
		return nil, CryptoError{Op: "open", Err: ErrDecryptionFailed}
	}
	return plaintext, nil
}
