// Package credentials keeps small secrets (device identifiers, tokens)
// encrypted at rest on top of a settings store.
//
// Values are encrypted with age to an X25519 key. That key is itself sealed
// with a scrypt passphrase derived from the application identity, so a store
// opened under a different identity cannot read the values.
package credentials

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/nuetzliches/beacon/internal/settings"
)

var (
	ErrNoAppIdentity = errors.New("credentials: no app identity")
	ErrNotFound      = errors.New("credentials: not found")
)

const (
	identityKey    = "credentials.identity"
	valueKeyPrefix = "credentials.value."
	DeviceIDKey    = "device_id"

	defaultWorkFactor = 15
)

type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

type Option func(*AgeStore)

// WithWorkFactor sets the scrypt work factor (log2 N) used to seal the
// value key. Lower values open faster and are only suitable for tests.
func WithWorkFactor(logN int) Option {
	return func(s *AgeStore) {
		if logN > 0 && logN < 31 {
			s.workFactor = logN
		}
	}
}

type AgeStore struct {
	backend    settings.Store
	workFactor int

	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

var _ Store = (*AgeStore)(nil)

// OpenAgeStore loads or creates the value key for appIdentity. It fails with
// ErrNoAppIdentity when appIdentity is blank.
func OpenAgeStore(backend settings.Store, appIdentity string, opts ...Option) (*AgeStore, error) {
	appIdentity = strings.TrimSpace(appIdentity)
	if appIdentity == "" {
		return nil, ErrNoAppIdentity
	}
	if backend == nil {
		return nil, errors.New("credentials: nil settings store")
	}
	s := &AgeStore{backend: backend, workFactor: defaultWorkFactor}
	for _, opt := range opts {
		opt(s)
	}

	identity, err := s.loadIdentity(appIdentity)
	if err != nil {
		return nil, err
	}
	s.identity = identity
	s.recipient = identity.Recipient()
	return s, nil
}

func (s *AgeStore) loadIdentity(appIdentity string) (*age.X25519Identity, error) {
	scryptID, err := age.NewScryptIdentity(appIdentity)
	if err != nil {
		return nil, fmt.Errorf("credentials: scrypt identity: %w", err)
	}
	scryptID.SetMaxWorkFactor(30)

	var sealed string
	found, err := s.backend.Get(identityKey, &sealed)
	if err != nil {
		return nil, err
	}
	if found {
		plain, err := decrypt(sealed, scryptID)
		if err != nil {
			return nil, fmt.Errorf("credentials: unseal key: %w", err)
		}
		identity, err := age.ParseX25519Identity(string(plain))
		if err != nil {
			return nil, fmt.Errorf("credentials: parse key: %w", err)
		}
		return identity, nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("credentials: generate key: %w", err)
	}
	scryptRcpt, err := age.NewScryptRecipient(appIdentity)
	if err != nil {
		return nil, fmt.Errorf("credentials: scrypt recipient: %w", err)
	}
	scryptRcpt.SetWorkFactor(s.workFactor)
	sealed, err = encrypt([]byte(identity.String()), scryptRcpt)
	if err != nil {
		return nil, fmt.Errorf("credentials: seal key: %w", err)
	}
	if err := s.backend.Set(identityKey, sealed); err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *AgeStore) Get(key string) (string, error) {
	var sealed string
	found, err := s.backend.Get(valueKeyPrefix+key, &sealed)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	plain, err := decrypt(sealed, s.identity)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt %q: %w", key, err)
	}
	return string(plain), nil
}

func (s *AgeStore) Set(key, value string) error {
	sealed, err := encrypt([]byte(value), s.recipient)
	if err != nil {
		return fmt.Errorf("credentials: encrypt %q: %w", key, err)
	}
	return s.backend.Set(valueKeyPrefix+key, sealed)
}

func (s *AgeStore) Delete(key string) error {
	return s.backend.Delete(valueKeyPrefix + key)
}

// DeviceID returns the stored device identifier, creating and saving a new
// random one on first use.
func DeviceID(s Store) (string, error) {
	id, err := s.Get(DeviceIDKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := s.Set(DeviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func encrypt(plaintext []byte, recipient age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decrypt(ciphertext string, identity age.Identity) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
