package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps named supplier signing keys on disk:
//
//	<dir>/<name>/private.pem  (0600, SEC1)
//	<dir>/<name>/public.pem   (0644, PKIX)
type Store struct {
	dir string
}

// DefaultStoreDir is ~/.commonsdb/keys.
func DefaultStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("key store: %w", err)
	}
	return filepath.Join(home, ".commonsdb", "keys"), nil
}

// OpenStore returns the store at dir, or at DefaultStoreDir when dir is
// empty. Nothing is created until a key is saved.
func OpenStore(dir string) (*Store, error) {
	if dir != "" {
		return &Store{dir: dir}, nil
	}
	dir, err := DefaultStoreDir()
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// KeyFiles locates the two halves of a stored key.
type KeyFiles struct {
	Private string
	Public  string
}

// Files returns where the key called name lives, whether or not it exists.
func (s *Store) Files(name string) (KeyFiles, error) {
	if err := ValidKeyName(name); err != nil {
		return KeyFiles{}, err
	}
	return KeyFiles{
		Private: filepath.Join(s.dir, name, "private.pem"),
		Public:  filepath.Join(s.dir, name, "public.pem"),
	}, nil
}

// ValidKeyName accepts ASCII letters, digits, '-' and '_', so a name is
// always a single path element.
func ValidKeyName(name string) error {
	if name == "" {
		return errors.New("key name is empty")
	}
	if i := strings.IndexFunc(name, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9' || r == '-' || r == '_')
	}); i >= 0 {
		return fmt.Errorf("key name %q: character %q not allowed", name, []rune(name[i:])[0])
	}
	return nil
}

// Save writes key under name. Unless overwrite is set an existing key is
// kept and the error matches fs.ErrExist.
func (s *Store) Save(name string, key *ecdsa.PrivateKey, overwrite bool) (KeyFiles, error) {
	files, err := s.Files(name)
	if err != nil {
		return KeyFiles{}, err
	}
	privPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return KeyFiles{}, err
	}
	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return KeyFiles{}, err
	}
	if err := os.MkdirAll(filepath.Dir(files.Private), 0o700); err != nil {
		return KeyFiles{}, fmt.Errorf("key store: %w", err)
	}
	if err := writeKeyFile(files.Private, privPEM, 0o600, overwrite); err != nil {
		return KeyFiles{}, err
	}
	if err := writeKeyFile(files.Public, pubPEM, 0o644, true); err != nil {
		return KeyFiles{}, err
	}
	return files, nil
}

// Load reads the private key stored under name.
func (s *Store) Load(name string) (*ecdsa.PrivateKey, error) {
	files, err := s.Files(name)
	if err != nil {
		return nil, err
	}
	return LoadPrivateKey(files.Private)
}

// Entry is a stored key as listed by List.
type Entry struct {
	Name  string
	KeyID string
}

// List returns the stored keys in name order. A directory without a
// readable public key is skipped.
func (s *Store) List() ([]Entry, error) {
	dirs, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}
	var out []Entry
	for _, d := range dirs {
		files, err := s.Files(d.Name())
		if !d.IsDir() || err != nil {
			continue
		}
		pub, err := LoadPublicKey(files.Public)
		if err != nil {
			continue
		}
		kid, err := KeyID(pub)
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: d.Name(), KeyID: kid})
	}
	return out, nil
}

func writeKeyFile(path string, data []byte, perm os.FileMode, overwrite bool) error {
	mode := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		mode = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, mode, perm)
	if err != nil {
		return fmt.Errorf("key store: %w", err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("key store: write %s: %w", path, err)
	}
	return nil
}
