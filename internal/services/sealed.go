package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SealedSecrets keeps the API credential in the BoltDB secrets bucket, encrypted with AES-256-GCM. The key is
// either derived from a user passphrase with a per-install random salt, or a random per-install key kept in a
// 0600 key file.
type SealedSecrets struct {
	store BoltDB
	aead  cipher.AEAD
}

const (
	sealedPrefix = "ENC:"

	keySize          = 32
	saltSize         = 32
	pbkdf2Iterations = 600000
)

var (
	credentialKey = []byte("credential")
	saltKey       = []byte("salt")

	// ErrSealedCredential means the stored credential can't be opened, usually because the key or passphrase
	// changed.
	ErrSealedCredential = errors.New("stored credential can't be decrypted")
)

// NewSealedSecrets creates a SealedSecrets on top of store. With a non-empty passphrase the key is derived
// from it, otherwise the key at keyPath is used and created on first use.
func NewSealedSecrets(store BoltDB, keyPath, passphrase string) (SealedSecrets, error) {
	var key []byte
	var err error
	if passphrase != "" {
		key, err = passphraseKey(store, passphrase)
	} else {
		key, err = fileKey(keyPath)
	}
	if err != nil {
		return SealedSecrets{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return SealedSecrets{}, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return SealedSecrets{}, fmt.Errorf("failed to create gcm: %w", err)
	}

	return SealedSecrets{store: store, aead: aead}, nil
}

func passphraseKey(store BoltDB, passphrase string) ([]byte, error) {
	salt, err := store.get(secretsBucket, saltKey)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := store.put(secretsBucket, saltKey, salt); err != nil {
			return nil, err
		}
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keySize, sha256.New), nil
}

func fileKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// Credential returns the stored credential, or an empty string if none is stored.
func (s SealedSecrets) Credential(context.Context) (string, error) {
	v, err := s.store.get(secretsBucket, credentialKey)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return s.open(string(v))
}

// SetCredential encrypts and stores credential. An empty credential removes the stored one.
func (s SealedSecrets) SetCredential(_ context.Context, credential string) error {
	if credential == "" {
		return s.store.remove(secretsBucket, credentialKey)
	}
	sealed, err := s.seal(credential)
	if err != nil {
		return err
	}
	return s.store.put(secretsBucket, credentialKey, []byte(sealed))
}

// seal returns ENC:base64(nonce|ciphertext|tag).
func (s SealedSecrets) seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s SealedSecrets) open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", fmt.Errorf("%w: missing %s prefix", ErrSealedCredential, sealedPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSealedCredential, err)
	}
	if len(data) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrSealedCredential)
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSealedCredential, err)
	}
	return string(plaintext), nil
}
