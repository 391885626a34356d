package kvstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// errUnreadable marks a store file that exists but cannot be decrypted or
// decoded, e.g. after the storage key changed
var errUnreadable = errors.New("store file unreadable")

// File implements a file-based key/value store with encryption. Every write
// rewrites the whole file, which keeps single operations atomic.
type File struct {
	path       string
	encryptKey []byte
	mu         sync.RWMutex
}

// FileOption configures a File store
type FileOption func(*File)

// WithSecret derives the encryption key from secret instead of the machine
func WithSecret(secret string) FileOption {
	return func(f *File) {
		if secret == "" {
			return
		}
		hash := sha256.Sum256([]byte("cohort-auth:" + secret))
		f.encryptKey = hash[:]
	}
}

// NewFile creates a new encrypted file store at path
func NewFile(path string, opts ...FileOption) (*File, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{
		path:       path,
		encryptKey: generateEncryptionKey(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Path returns the location of the backing file
func (f *File) Path() string {
	return f.path
}

// Get retrieves the value stored under key
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	value, exists := values[key]
	return value, exists, nil
}

// Set stores value under key
func (f *File) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if errors.Is(err, errUnreadable) {
		// written under another key; its contents are lost either way
		values = make(map[string]string)
	} else if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

// Delete removes the given keys
func (f *File) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if errors.Is(err, errUnreadable) {
		return f.remove()
	}
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	for _, key := range keys {
		delete(values, key)
	}
	if len(values) == 0 {
		return f.remove()
	}
	return f.save(values)
}

func (f *File) remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove store file: %w", err)
	}
	return nil
}

// Close is a no-op; the file is not held open between operations
func (f *File) Close() error {
	return nil
}

func (f *File) load() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	decrypted, err := f.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt: %w", errUnreadable, err)
	}

	if err := json.Unmarshal(decrypted, &values); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal: %w", errUnreadable, err)
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	encrypted, err := f.encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func (f *File) encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.encryptKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (f *File) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(f.encryptKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// generateEncryptionKey derives a machine-specific key from hostname and user
func generateEncryptionKey() []byte {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME") // Windows
	}

	hash := sha256.Sum256([]byte(fmt.Sprintf("cohort-auth:%s:%s", hostname, user)))
	return hash[:]
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
