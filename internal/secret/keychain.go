package secret

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

const keychainService = "bactdb"

// KeychainStore implements SecretStore using the macOS Keychain
// via the `security` CLI tool. On other systems it stores nothing.
type KeychainStore struct{}

// NewKeychainStore creates a new KeychainStore.
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{}
}

func (k *KeychainStore) available() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath("security")
	return err == nil
}

// Set stores a secret in the macOS Keychain, replacing any existing value.
func (k *KeychainStore) Set(key string, value []byte) error {
	if !k.available() {
		return errors.New("keychain not available on " + runtime.GOOS)
	}
	k.Delete(key)

	cmd := exec.Command("security", "add-generic-password",
		"-a", key,
		"-s", keychainService,
		"-w", string(value),
		"-U",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "keychain set: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Get retrieves a secret from the macOS Keychain.
// Returns empty slice and nil error if the key doesn't exist.
func (k *KeychainStore) Get(key string) ([]byte, error) {
	if !k.available() {
		return nil, nil
	}
	cmd := exec.Command("security", "find-generic-password",
		"-a", key,
		"-s", keychainService,
		"-w",
	)
	out, err := cmd.Output()
	if err != nil {
		// exit code 44 means the item was not found
		return nil, nil
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

// Delete removes a secret from the macOS Keychain.
func (k *KeychainStore) Delete(key string) error {
	if !k.available() {
		return nil
	}
	cmd := exec.Command("security", "delete-generic-password",
		"-a", key,
		"-s", keychainService,
	)
	cmd.Run() // item may not exist
	return nil
}
