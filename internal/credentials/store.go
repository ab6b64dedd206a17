package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/petlink/core/internal/logging"
	"github.com/petlink/core/internal/sync/remote"
)

// DefaultAccount is the account name the API token is stored under.
const DefaultAccount = "api-token"

// ErrNotFound is returned when no credential is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store persists sealed credentials as files under <dir>/secure.
type Store struct {
	dir string

	once sync.Once
	key  []byte
	// machineID overrides the platform identifier; tests set it.
	machineID func() string
}

// NewStore creates a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "secure"), machineID: machineIdentifier}
}

func (s *Store) derive() []byte {
	s.once.Do(func() { s.key = DeriveKey(s.machineID()) })
	return s.key
}

func (s *Store) path(account string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(account)
	return filepath.Join(s.dir, safe+".cred")
}

// Put seals value and writes it with owner-only permissions.
func (s *Store) Put(account, value string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	sealed, err := Seal([]byte(value), s.derive())
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(s.path(account), []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// Get returns the stored value, or ErrNotFound.
func (s *Store) Get(account string) (string, error) {
	data, err := os.ReadFile(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}

	value, err := Open(strings.TrimSpace(string(data)), s.derive())
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(value), nil
}

// Delete removes the credential. Deleting a missing credential is not an
// error.
func (s *Store) Delete(account string) error {
	if err := os.Remove(s.path(account)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// TokenSource reads the token on every request, so a token stored after
// startup is picked up without restarting the engine.
func (s *Store) TokenSource(account string) remote.TokenSource {
	return storeToken{store: s, account: account}
}

type storeToken struct {
	store   *Store
	account string
}

func (t storeToken) Token(context.Context) (string, error) {
	token, err := t.store.Get(t.account)
	if err != nil {
		logging.Warn("API token unavailable", map[string]interface{}{"account": t.account, "error": err.Error()})
		return "", err
	}
	return token, nil
}

// machineIdentifier returns a stable per-machine string: the systemd or
// dbus machine ID where present, the hostname otherwise.
func machineIdentifier() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "machine:" + id
			}
		}
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}
