package nid

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/hearth-dev/hearth/internal/multibase"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Signer produces signatures attributable to a node identity. Everything
// that writes signed state (sigrefs, change entries, announcements) takes
// a Signer rather than key material, so tests can supply an in-memory
// implementation and the node can keep its secret key encrypted at rest.
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) ([]byte, error)
}

// MemorySigner is a Signer holding its private key in process memory,
// used by the node after unlocking the keystore and by tests directly.
type MemorySigner struct {
	pub  PublicKey
	priv ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*MemorySigner, error) {
	pubRaw, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("nid: generate key: %w", err)
	}
	pub, err := NewPublicKey(pubRaw)
	if err != nil {
		return nil, err
	}
	return &MemorySigner{pub: pub, priv: priv}, nil
}

// FromSeed reconstructs a signer from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*MemorySigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("nid: invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &MemorySigner{pub: pub, priv: priv}, nil
}

// PublicKey returns the signer's verification key.
func (s *MemorySigner) PublicKey() PublicKey {
	return s.pub
}

// Sign signs msg with the signer's private key.
func (s *MemorySigner) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Key file prefixes. The sealed form is the seed encrypted with
// ChaCha20-Poly1305 under a BLAKE2b-derived passphrase key; the plain form
// stores the seed multibase-encoded with 0600 permissions only.
const (
	publicKeyFile = "public"
	secretKeyFile = "secret"

	plainPrefix  = "hearth-ed25519-seed:"
	sealedPrefix = "hearth-ed25519-sealed:"
)

// Keystore persists a node's keypair under a directory, one file each for
// the public and secret halves, mirroring the <home>/keys/{public,secret}
// layout. The filesystem is abstracted so tests run against an in-memory
// afero backend.
type Keystore struct {
	fs   afero.Fs
	path string
}

// NewKeystore opens a keystore rooted at path on fs.
func NewKeystore(fs afero.Fs, path string) *Keystore {
	return &Keystore{fs: fs, path: path}
}

// Init generates a new keypair and writes both halves. A non-empty
// passphrase seals the secret half at rest. Fails if a secret key already
// exists, so a stray re-init can never destroy a node identity.
func (k *Keystore) Init(passphrase string) (*MemorySigner, error) {
	secretPath := k.path + "/" + secretKeyFile
	if exists, _ := afero.Exists(k.fs, secretPath); exists {
		return nil, fmt.Errorf("nid: keystore already initialized at %s", k.path)
	}
	signer, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := k.fs.MkdirAll(k.path, 0o700); err != nil {
		return nil, fmt.Errorf("nid: create keystore dir: %w", err)
	}

	seed := signer.priv.Seed()
	var secret string
	if passphrase == "" {
		secret = plainPrefix + multibase.Encode(seed)
	} else {
		sealed, sealErr := seal(seed, passphrase)
		if sealErr != nil {
			return nil, sealErr
		}
		secret = sealedPrefix + multibase.Encode(sealed)
	}

	if err := afero.WriteFile(k.fs, k.path+"/"+publicKeyFile, []byte(signer.pub.Did().String()+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("nid: write public key: %w", err)
	}
	if err := afero.WriteFile(k.fs, secretPath, []byte(secret+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("nid: write secret key: %w", err)
	}
	return signer, nil
}

// Load reads and (if sealed) decrypts the secret key, returning a usable
// signer. The passphrase is ignored for plaintext keys.
func (k *Keystore) Load(passphrase string) (*MemorySigner, error) {
	raw, err := afero.ReadFile(k.fs, k.path+"/"+secretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("nid: read secret key: %w", err)
	}
	content := strings.TrimSpace(string(raw))

	switch {
	case strings.HasPrefix(content, plainPrefix):
		seed, decErr := multibase.Decode(strings.TrimPrefix(content, plainPrefix))
		if decErr != nil {
			return nil, fmt.Errorf("nid: decode secret key: %w", decErr)
		}
		return FromSeed(seed)
	case strings.HasPrefix(content, sealedPrefix):
		if passphrase == "" {
			return nil, fmt.Errorf("nid: secret key is sealed and no passphrase was provided")
		}
		sealed, decErr := multibase.Decode(strings.TrimPrefix(content, sealedPrefix))
		if decErr != nil {
			return nil, fmt.Errorf("nid: decode secret key: %w", decErr)
		}
		seed, openErr := open(sealed, passphrase)
		if openErr != nil {
			return nil, openErr
		}
		return FromSeed(seed)
	default:
		return nil, fmt.Errorf("nid: unrecognized secret key format")
	}
}

// PublicKey reads just the public half, without touching the secret key.
func (k *Keystore) PublicKey() (PublicKey, error) {
	raw, err := afero.ReadFile(k.fs, k.path+"/"+publicKeyFile)
	if err != nil {
		return PublicKey{}, fmt.Errorf("nid: read public key: %w", err)
	}
	did, err := DecodeDid(strings.TrimSpace(string(raw)))
	if err != nil {
		return PublicKey{}, err
	}
	return did.AsKey(), nil
}

func passphraseKey(passphrase string) []byte {
	sum := blake2b.Sum256([]byte(passphrase))
	return sum[:]
}

func seal(seed []byte, passphrase string) ([]byte, error) {
	aead, err := chacha20poly1305.New(passphraseKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("nid: seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nid: seal: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, seed, nil)...), nil
}

func open(sealed []byte, passphrase string) ([]byte, error) {
	aead, err := chacha20poly1305.New(passphraseKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("nid: open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("nid: sealed key too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	seed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("nid: wrong passphrase or corrupted key: %w", err)
	}
	return seed, nil
}
