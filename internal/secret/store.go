package secret

import (
	"os"
	"strings"
)

// SecretStore provides a pluggable interface for sensitive values such as
// the LIS database password.
type SecretStore interface {
	// Set stores a secret value under the given key.
	Set(key string, value []byte) error

	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)

	// Delete removes the secret for the given key.
	Delete(key string) error
}

// EnvPrefix prefixes the environment variables read by EnvStore.
const EnvPrefix = "BACTDB_"

// EnvStore reads secrets from the process environment. A key such as
// "lis.password" maps to BACTDB_LIS_PASSWORD.
type EnvStore struct {
	Prefix string
}

// NewEnvStore creates an EnvStore with the default prefix.
func NewEnvStore() *EnvStore {
	return &EnvStore{Prefix: EnvPrefix}
}

// VarName returns the environment variable holding key.
func (e *EnvStore) VarName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return e.Prefix + strings.ToUpper(r.Replace(key))
}

func (e *EnvStore) Set(key string, value []byte) error {
	return os.Setenv(e.VarName(key), string(value))
}

func (e *EnvStore) Get(key string) ([]byte, error) {
	v, ok := os.LookupEnv(e.VarName(key))
	if !ok || v == "" {
		return nil, nil
	}
	return []byte(v), nil
}

func (e *EnvStore) Delete(key string) error {
	return os.Unsetenv(e.VarName(key))
}

// ChainStore reads from each store in order and returns the first hit.
// Writes go to the first store.
type ChainStore []SecretStore

func (c ChainStore) Set(key string, value []byte) error {
	if len(c) == 0 {
		return nil
	}
	return c[0].Set(key, value)
}

func (c ChainStore) Get(key string) ([]byte, error) {
	for _, s := range c {
		v, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		if len(v) > 0 {
			return v, nil
		}
	}
	return nil, nil
}

func (c ChainStore) Delete(key string) error {
	for _, s := range c {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Default is the environment first, then the system keychain.
func Default() SecretStore {
	return ChainStore{NewEnvStore(), NewKeychainStore()}
}
