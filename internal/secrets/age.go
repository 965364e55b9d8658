// Package secrets keeps credentials such as the model hub token encrypted at
// rest in the .env file, as ENC[age:...] values.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

const (
	encPrefix = "ENC[age:"
	encSuffix = "]"
)

// ErrNoKey is returned when an encrypted value is found but no key exists.
var ErrNoKey = errors.New("no age key")

// KeyPath returns the age key file under the MAL data directory.
func KeyPath(malPath string) string {
	return filepath.Join(malPath, ".age-key")
}

// IsEncrypted reports whether s is an ENC[age:...] value.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}

// Keyring seals and opens values with the X25519 identity stored at a path.
// The identity is created on the first Seal.
type Keyring struct {
	path string

	mu sync.Mutex
	id *age.X25519Identity
}

// NewKeyring returns a keyring backed by the key file at path.
func NewKeyring(path string) *Keyring {
	return &Keyring{path: path}
}

func (k *Keyring) identity(create bool) (*age.X25519Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.id != nil {
		return k.id, nil
	}
	if _, err := os.Stat(k.path); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("%w at %s", ErrNoKey, k.path)
		}
		if err := k.generate(); err != nil {
			return nil, err
		}
	}

	id, err := loadIdentity(k.path)
	if err != nil {
		return nil, err
	}
	k.id = id
	return id, nil
}

func (k *Keyring) generate() error {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}
	content := fmt.Sprintf("# created by mal\n# public key: %s\n%s\n", id.Recipient(), id)

	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(k.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

func loadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}
	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

// Recipient returns the public key values are sealed to, creating the key if needed.
func (k *Keyring) Recipient() (string, error) {
	id, err := k.identity(true)
	if err != nil {
		return "", err
	}
	return id.Recipient().String(), nil
}

// Seal encrypts plaintext into an ENC[age:...] value.
func (k *Keyring) Seal(plaintext string) (string, error) {
	id, err := k.identity(true)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Open returns the plaintext of value. Values that are not sealed are
// returned unchanged, so plain tokens in the environment keep working.
func (k *Keyring) Open(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	id, err := k.identity(false)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(value[len(encPrefix) : len(value)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}
