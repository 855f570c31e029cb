package session

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedKeySize = 32

// FileCredentialStore keeps the credential in a single file, sealed with NaCl
// secretbox under a random key stored beside it, so the bearer token is not
// plaintext at rest. Key and credential files are created 0600.
type FileCredentialStore struct {
	path    string
	keyPath string
}

func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credential path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return &FileCredentialStore{
		path:    path,
		keyPath: path + ".key",
	}, nil
}

// Path returns the credential file location, for the cross-process watcher.
func (s *FileCredentialStore) Path() string { return s.path }

func (s *FileCredentialStore) Load() (*Credential, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("credential file present but key file missing")
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("credential file truncated")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("credential file failed to unseal")
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *FileCredentialStore) Save(cred Credential) error {
	plain, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	key, err := s.ensureKey()
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, key)
	return writeFileAtomic(s.path, sealed, 0o600)
}

func (s *FileCredentialStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileCredentialStore) Close() error { return nil }

func (s *FileCredentialStore) loadKey() (*[sealedKeySize]byte, error) {
	raw, err := os.ReadFile(s.keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) != sealedKeySize {
		return nil, fmt.Errorf("key file has %d bytes, want %d", len(raw), sealedKeySize)
	}
	var key [sealedKeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func (s *FileCredentialStore) ensureKey() (*[sealedKeySize]byte, error) {
	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	var fresh [sealedKeySize]byte
	if _, err := io.ReadFull(rand.Reader, fresh[:]); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.keyPath, fresh[:], 0o600); err != nil {
		return nil, err
	}
	return &fresh, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
