package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/whisper2/whisperclient/client"
	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/identity"
	"github.com/whisper2/whisperclient/internal/jsonfile"
	"github.com/whisper2/whisperclient/internal/sealed"
)

const (
	accountFileName  = "account.json"
	sessionFileName  = "session.json"
	contactsFileName = "contacts.json"
)

type accountFile struct {
	Mnemonic  string `json:"mnemonic"`
	WhisperID string `json:"whisperId"`
	DeviceID  string `json:"deviceId"`
}

type sessionFile struct {
	SessionToken     string    `json:"sessionToken"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

type contactEntry struct {
	EncPublicKey  string `json:"encPublicKey"`
	SignPublicKey string `json:"signPublicKey"`
}

// store keeps the account, session and contacts of the CLI as atomic JSON
// files under the root dir. It backs the client's CredentialProvider and
// KeyBook.
type store struct {
	root string
	log  slog.Logger
	keys *identity.KeyRing

	mtx      sync.Mutex
	account  accountFile
	session  sessionFile
	contacts map[string]contactEntry
}

// openStore loads an existing account or creates a fresh one. created is
// true when a new mnemonic was generated.
func openStore(root string, log slog.Logger) (s *store, created bool, err error) {
	s = &store{
		root:     root,
		log:      log,
		contacts: make(map[string]contactEntry),
	}

	accountPath := filepath.Join(root, accountFileName)
	if jsonfile.Exists(accountPath) {
		if err := jsonfile.Read(accountPath, &s.account); err != nil {
			return nil, false, err
		}
	} else {
		mnemonic, err := identity.NewMnemonic()
		if err != nil {
			return nil, false, err
		}
		s.account = accountFile{
			Mnemonic: mnemonic,
			DeviceID: uuid.New().String(),
		}
		if err := jsonfile.Write(accountPath, &s.account, log); err != nil {
			return nil, false, err
		}
		created = true
	}

	s.keys, err = identity.FromMnemonic(s.account.Mnemonic)
	if err != nil {
		return nil, false, fmt.Errorf("invalid stored mnemonic: %w", err)
	}

	sessionPath := filepath.Join(root, sessionFileName)
	if jsonfile.Exists(sessionPath) {
		if err := jsonfile.Read(sessionPath, &s.session); err != nil {
			return nil, false, err
		}
	}

	contactsPath := filepath.Join(root, contactsFileName)
	if jsonfile.Exists(contactsPath) {
		if err := jsonfile.Read(contactsPath, &s.contacts); err != nil {
			return nil, false, err
		}
	}

	return s, created, nil
}

// Credentials implements clientintf.CredentialProvider.
func (s *store) Credentials() (*clientintf.Credentials, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.account.WhisperID == "" || s.session.SessionToken == "" {
		return nil, clientintf.ErrNotLoggedIn
	}
	return &clientintf.Credentials{
		WhisperID:    s.account.WhisperID,
		SessionToken: s.session.SessionToken,
		SignPrivKey:  s.keys.SignPriv,
		EncPrivKey:   s.keys.EncPriv[:],
	}, nil
}

// EncPublicKey implements clientintf.KeyBook.
func (s *store) EncPublicKey(_ context.Context, whisperID string) ([]byte, error) {
	s.mtx.Lock()
	entry, ok := s.contacts[whisperID]
	s.mtx.Unlock()
	if !ok {
		return nil, clientintf.ErrUnknownRecipient
	}
	key, err := base64.StdEncoding.DecodeString(entry.EncPublicKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt enc key for %q: %w", whisperID, err)
	}
	return key, nil
}

// SignPublicKey implements clientintf.KeyBook.
func (s *store) SignPublicKey(_ context.Context, whisperID string) ([]byte, error) {
	s.mtx.Lock()
	entry, ok := s.contacts[whisperID]
	s.mtx.Unlock()
	if !ok {
		return nil, clientintf.ErrUnknownRecipient
	}
	key, err := base64.StdEncoding.DecodeString(entry.SignPublicKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt sign key for %q: %w", whisperID, err)
	}
	return key, nil
}

// saveSession persists a newly obtained or refreshed session.
func (s *store) saveSession(sess *client.RegisteredSession) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if sess.WhisperID != "" && sess.WhisperID != s.account.WhisperID {
		s.account.WhisperID = sess.WhisperID
		accountPath := filepath.Join(s.root, accountFileName)
		if err := jsonfile.Write(accountPath, &s.account, s.log); err != nil {
			return err
		}
	}

	s.session = sessionFile{
		SessionToken:     sess.SessionToken,
		SessionExpiresAt: sess.SessionExpiresAt,
	}
	sessionPath := filepath.Join(s.root, sessionFileName)
	return jsonfile.Write(sessionPath, &s.session, s.log)
}

// clearSession drops the persisted session, forcing a new registration on
// the next run.
func (s *store) clearSession() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.session = sessionFile{}
	return jsonfile.RemoveIfExists(filepath.Join(s.root, sessionFileName))
}

// hasSession returns whether a session token exists and is not past its
// expiry.
func (s *store) hasSession() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session.SessionToken != "" &&
		time.Now().Before(s.session.SessionExpiresAt)
}

// sessionExpiringSoon returns whether the session should be refreshed.
func (s *store) sessionExpiringSoon() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session.SessionToken != "" &&
		time.Until(s.session.SessionExpiresAt) < 24*time.Hour
}

// addContact validates and persists a contact's public keys.
func (s *store) addContact(whisperID, encPubB64, signPubB64 string) error {
	encPub, err := base64.StdEncoding.DecodeString(encPubB64)
	if err != nil {
		return fmt.Errorf("enc key not base64: %w", err)
	}
	if len(encPub) != 32 {
		return fmt.Errorf("enc key must be 32 bytes, not %d", len(encPub))
	}
	signPub, err := base64.StdEncoding.DecodeString(signPubB64)
	if err != nil {
		return fmt.Errorf("sign key not base64: %w", err)
	}
	if len(signPub) != ed25519.PublicKeySize {
		return fmt.Errorf("sign key must be %d bytes, not %d",
			ed25519.PublicKeySize, len(signPub))
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.contacts[whisperID] = contactEntry{
		EncPublicKey:  encPubB64,
		SignPublicKey: signPubB64,
	}
	contactsPath := filepath.Join(s.root, contactsFileName)
	return jsonfile.Write(contactsPath, s.contacts, s.log)
}

// contactsBackup is the plaintext layout of a contacts backup file.
type contactsBackup struct {
	Version  int                     `json:"version"`
	Contacts map[string]contactEntry `json:"contacts"`
}

const contactsBackupVersion = 1

// exportContacts writes the contact list to path, sealed with the
// account's contacts key. Only a device holding the same mnemonic can
// open the backup.
func (s *store) exportContacts(path string) (int, error) {
	s.mtx.Lock()
	backup := contactsBackup{
		Version:  contactsBackupVersion,
		Contacts: make(map[string]contactEntry, len(s.contacts)),
	}
	for id, entry := range s.contacts {
		backup.Contacts[id] = entry
	}
	s.mtx.Unlock()

	data, err := json.Marshal(backup)
	if err != nil {
		return 0, err
	}
	key := s.keys.ContactsKey
	blob, err := sealed.Seal(data, &key)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return 0, err
	}
	return len(backup.Contacts), nil
}

// importContacts merges contacts from a backup written by exportContacts,
// with incoming entries winning over existing ones.
func (s *store) importContacts(path string) (int, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	key := s.keys.ContactsKey
	data, ok := sealed.Open(blob, &key)
	if !ok {
		return 0, errors.New("backup is corrupt or belongs to a different account")
	}
	var backup contactsBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return 0, err
	}
	if backup.Version != contactsBackupVersion {
		return 0, fmt.Errorf("unsupported backup version %d", backup.Version)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for id, entry := range backup.Contacts {
		s.contacts[id] = entry
	}
	contactsPath := filepath.Join(s.root, contactsFileName)
	return len(backup.Contacts), jsonfile.Write(contactsPath, s.contacts, s.log)
}

// contactIDs returns the known contacts, for display.
func (s *store) contactIDs() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ids := make([]string, 0, len(s.contacts))
	for id := range s.contacts {
		ids = append(ids, id)
	}
	return ids
}

func (s *store) mnemonic() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.account.Mnemonic
}

func (s *store) whisperID() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.account.WhisperID
}

func (s *store) deviceID() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.account.DeviceID
}

func (s *store) keyRing() *identity.KeyRing {
	return s.keys
}
