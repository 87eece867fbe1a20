// Package identity manages the on-disk device identity file and the optional
// ed25519 key material used for signed requests. The identity file is the
// agent's only durable state: absence on process start triggers a fresh
// registration.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the persisted device identity. DeviceID is immutable once
// issued; Secret is the bootstrap secret returned exactly once at
// registration. Keys are optional: devices registered without a keypair
// authenticate with the secret header only.
type Identity struct {
	DeviceID   string `json:"device_id"`
	GroupID    string `json:"group_id"`
	ServerAddr string `json:"server_addr"`
	Secret     string `json:"secret"`

	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

type storedIdentity struct {
	DeviceID   string `json:"device_id"`
	GroupID    string `json:"group_id"`
	ServerAddr string `json:"server_addr"`
	Secret     string `json:"secret"`
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Generate creates an identity with a fresh ed25519 keypair. DeviceID and
// Secret are filled in after the server issues them.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes the identity file with 0600 permissions, creating the parent
// directory if needed. The write goes through a temp file and rename so a
// crash mid-write never leaves a truncated identity behind.
func (i *Identity) Save(path string) error {
	stored := storedIdentity{
		DeviceID:   i.DeviceID,
		GroupID:    i.GroupID,
		ServerAddr: i.ServerAddr,
		Secret:     i.Secret,
	}
	if len(i.PublicKey) > 0 {
		stored.PublicKey = base64.StdEncoding.EncodeToString(i.PublicKey)
	}
	if len(i.PrivateKey) > 0 {
		stored.PrivateKey = base64.StdEncoding.EncodeToString(i.PrivateKey)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads an identity file. A file without a device_id is treated as
// invalid so a partially written bootstrap never masquerades as enrolled.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	if stored.DeviceID == "" {
		return nil, fmt.Errorf("identity file %s has no device_id", path)
	}

	id := &Identity{
		DeviceID:   stored.DeviceID,
		GroupID:    stored.GroupID,
		ServerAddr: stored.ServerAddr,
		Secret:     stored.Secret,
	}
	if stored.PublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(stored.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decoding public key: %w", err)
		}
		id.PublicKey = ed25519.PublicKey(pub)
	}
	if stored.PrivateKey != "" {
		priv, err := base64.StdEncoding.DecodeString(stored.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decoding private key: %w", err)
		}
		id.PrivateKey = ed25519.PrivateKey(priv)
	}
	return id, nil
}

// HasKeys reports whether this identity can sign requests.
func (i *Identity) HasKeys() bool {
	return len(i.PrivateKey) == ed25519.PrivateKeySize
}

// Sign signs a message with the device private key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

// PublicKeyB64 returns the base64 public key for registration payloads.
func (i *Identity) PublicKeyB64() string {
	if len(i.PublicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}

// Verify checks a signature against a message.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	return len(publicKey) == ed25519.PublicKeySize && ed25519.Verify(publicKey, message, signature)
}
