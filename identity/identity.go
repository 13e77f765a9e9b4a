// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// identity derives the whisper client keyring from a BIP39 mnemonic.
//
// The derivation chain is frozen and must match the other client platforms
// exactly: mnemonic -> BIP39 seed (PBKDF2-HMAC-SHA512, empty passphrase)
// -> HKDF-SHA256 with a fixed salt and one info string per key domain.
// Changing any step breaks every existing account.

package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt         = "whisper"
	encryptionDomain = "whisper/enc"
	signingDomain    = "whisper/sign"
	contactsDomain   = "whisper/contacts"

	mnemonicEntropyBits = 128
)

// ErrInvalidMnemonic is returned for mnemonics that fail BIP39 word list or
// checksum validation.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// PublicKeys is the shareable half of a keyring.
type PublicKeys struct {
	// Enc is the X25519 public key used for box encryption.
	Enc [32]byte

	// Sign is the Ed25519 public key used to verify envelope signatures
	// and registration proofs.
	Sign ed25519.PublicKey
}

// KeyRing holds every key derived from a mnemonic. The private members are
// borrowed per operation by the envelope builder and the registration flow
// and must never be persisted or logged by this module's consumers.
type KeyRing struct {
	Public PublicKeys

	// EncPriv is the X25519 private key.
	EncPriv [32]byte

	// SignPriv is the Ed25519 private key (64 bytes, seed || public).
	SignPriv ed25519.PrivateKey

	// ContactsKey is a symmetric key for sealing the encrypted contacts
	// backup.
	ContactsKey [32]byte
}

// NewMnemonic generates a fresh 12 word mnemonic from the system entropy
// source.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// FromMnemonic derives the full keyring. Both 12 and 24 word mnemonics are
// accepted; the same mnemonic always yields the same keyring.
func FromMnemonic(mnemonic string) (*KeyRing, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	kr := &KeyRing{}
	if err := deriveKey(seed, encryptionDomain, kr.EncPriv[:]); err != nil {
		return nil, err
	}
	encPub, err := curve25519.X25519(kr.EncPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive enc public key: %w", err)
	}
	copy(kr.Public.Enc[:], encPub)

	var signSeed [32]byte
	if err := deriveKey(seed, signingDomain, signSeed[:]); err != nil {
		return nil, err
	}
	kr.SignPriv = ed25519.NewKeyFromSeed(signSeed[:])
	kr.Public.Sign = kr.SignPriv.Public().(ed25519.PublicKey)

	if err := deriveKey(seed, contactsDomain, kr.ContactsKey[:]); err != nil {
		return nil, err
	}
	return kr, nil
}

func deriveKey(seed []byte, domain string, out []byte) error {
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(domain))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand %s: %w", domain, err)
	}
	return nil
}

// SignChallenge produces the registration proof signature: Ed25519 over the
// SHA-256 digest of the challenge bytes.
func (kr *KeyRing) SignChallenge(challenge []byte) []byte {
	digest := sha256.Sum256(challenge)
	return ed25519.Sign(kr.SignPriv, digest[:])
}

// VerifyChallenge checks a registration proof signature against the given
// public key.
func VerifyChallenge(pub ed25519.PublicKey, challenge, sig []byte) bool {
	digest := sha256.Sum256(challenge)
	return ed25519.Verify(pub, digest[:], sig)
}
