package secret

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// service is the keystore namespace for endpoint passwords.
const service = "vesper"

// ErrNotFound is returned when no secret is stored for the given id.
var ErrNotFound = errors.New("secret not found")

// Store holds endpoint passwords outside the persisted catalog document.
type Store interface {
	Set(id, secret string) error
	Get(id string) (string, error)
	Delete(id string) error
}

// KeyringStore backs secrets with the OS keystore (Keychain, libsecret,
// Windows Credential Manager).
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (k *KeyringStore) Set(id, secret string) error {
	return keyring.Set(service, id, secret)
}

func (k *KeyringStore) Get(id string) (string, error) {
	secret, err := keyring.Get(service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return secret, err
}

func (k *KeyringStore) Delete(id string) error {
	err := keyring.Delete(service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// MemoryStore is an in-process store for tests and platforms without a
// keystore daemon.
type MemoryStore struct {
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (m *MemoryStore) Set(id, secret string) error {
	m.secrets[id] = secret
	return nil
}

func (m *MemoryStore) Get(id string) (string, error) {
	secret, ok := m.secrets[id]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

func (m *MemoryStore) Delete(id string) error {
	delete(m.secrets, id)
	return nil
}
