package ssh

// keys.go wraps 'crypto/ed25519' and 'x/crypto/ssh' key handling.
//
// Nodes are reached with a private key loaded from disk ('LoadKey'). The
// ED25519 helpers produce throwaway key pairs in the same on-disk format,
// which is what the in-process test server and local tooling need.

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen            = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrKeyRead           = fmt.Errorf("failed to read SSH private key file")
	ErrPubKeyConv        = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPrivKeyMarshal    = fmt.Errorf("failed to marshal the private key to OpenSSH format")
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
)

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// NewED25519KeyPair generates a fresh 'crypto/ed25519' key pair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

// ToSSH converts the public key to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// ToSSH converts the private key to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

// MarshalOpenSSH marshals the private key to a PEM-encoded OpenSSH key file.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(privKey.key, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	return pem.EncodeToMemory(block), nil
}

// LoadKey reads and parses an unencrypted private key file.
func LoadKey(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}
	return ParseKey(raw)
}

// ParseKey parses the provided 'key' value as a PEM-encoded private key.
// Passphrase protected keys are rejected.
func ParseKey(key []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: key is empty", ErrSSHFailedKeyParse)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}
