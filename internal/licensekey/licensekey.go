// Package licensekey generates license keys and protects them at rest.
//
// Keys are 20 random bytes encoded as bech32 under a configurable prefix, so a
// mistyped key fails its checksum before it reaches storage. Stored keys are sealed
// with XChaCha20-Poly1305 and indexed by a keyed BLAKE2b fingerprint; the plaintext
// never touches the database.
package licensekey

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyBytes        = 20
	minSecretLength = 16

	sealInfo        = "license-key-seal/v1"
	fingerprintInfo = "license-key-fingerprint/v1"
)

var (
	ErrSecretTooShort = errors.New("master secret is too short")
	ErrMalformedKey   = errors.New("malformed license key")
)

type Keyring struct {
	prefix string
	aead   cipher.AEAD
	fpKey  []byte
	rand   io.Reader
}

// NewKeyring derives sealing and fingerprint keys from masterSecret.
func NewKeyring(masterSecret, prefix string) (*Keyring, error) {
	return NewKeyringWithRandReader(masterSecret, prefix, rand.Reader)
}

func NewKeyringWithRandReader(masterSecret, prefix string, r io.Reader) (*Keyring, error) {
	if len(masterSecret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	if prefix == "" {
		return nil, errors.New("license key prefix is not configured")
	}

	sealKey, err := derive(masterSecret, sealInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	fpKey, err := derive(masterSecret, fingerprintInfo, 32)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, err
	}
	return &Keyring{prefix: prefix, aead: aead, fpKey: fpKey, rand: r}, nil
}

func derive(secret, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

func (k *Keyring) Prefix() string {
	return k.prefix
}

// Generate returns a fresh random key.
func (k *Keyring) Generate() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := io.ReadFull(k.rand, raw); err != nil {
		return "", fmt.Errorf("read key bytes: %w", err)
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(k.prefix, conv)
}

// Validate checks the checksum, prefix and payload length of key.
func (k *Keyring) Validate(key string) error {
	hrp, data, err := bech32.Decode(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if hrp != k.prefix {
		return fmt.Errorf("%w: prefix %q", ErrMalformedKey, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != keyBytes {
		return fmt.Errorf("%w: payload length %d", ErrMalformedKey, len(raw))
	}
	return nil
}

// Seal encrypts key. The output is nonce || ciphertext.
func (k *Keyring) Seal(key string) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(key)+k.aead.Overhead())
	if _, err := io.ReadFull(k.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, []byte(key), []byte(k.prefix)), nil
}

func (k *Keyring) Open(sealed []byte) (string, error) {
	ns := k.aead.NonceSize()
	if len(sealed) < ns+k.aead.Overhead() {
		return "", errors.New("sealed key is truncated")
	}
	plain, err := k.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(k.prefix))
	if err != nil {
		return "", fmt.Errorf("open sealed key: %w", err)
	}
	return string(plain), nil
}

// Fingerprint is a keyed hash of key used for uniqueness checks.
func (k *Keyring) Fingerprint(key string) []byte {
	h, err := blake2b.New256(k.fpKey)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	h.Write([]byte(key))
	return h.Sum(nil)
}
