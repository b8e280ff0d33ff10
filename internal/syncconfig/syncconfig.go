package syncconfig

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/morango-sync/morango/internal/crypto"
)

// SyncConfig holds peer-sync settings.
type SyncConfig struct {
	ServerURL               string `json:"server_url,omitempty"`
	ChunkSize               *int   `json:"chunk_size,omitempty"`
	DeserializeAfterDequeue *bool  `json:"deserialize_after_dequeue,omitempty"` // nil = default true
	SystemIDOverride        string `json:"system_id_override,omitempty"`
	SignalURL               string `json:"signal_url,omitempty"`
	SignalSecret            string `json:"signal_secret,omitempty"`
}

// ServerConfig holds morangod's own listen settings, distinct from
// SyncConfig's client-side peer-linking settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Config is the global morango config stored at ~/.config/morango/config.json.
type Config struct {
	Sync   SyncConfig   `json:"sync"`
	Server ServerConfig `json:"server"`
}

// PeerCredentials is the pre-shared peer token, sent as a Bearer token on
// every transport request to a linked peer. PeerToken is never marshaled directly; on
// disk it is Argon2id/AES-GCM wrapped (see storedPeerCredentials) so
// that ~/.config/morango/auth.json doesn't hold it in the clear.
type PeerCredentials struct {
	PeerURL   string
	PeerToken string
}

// storedPeerCredentials is the on-disk shape of PeerCredentials: the
// token wrapped with an Argon2id-derived key from internal/crypto
// instead of stored in the clear.
type storedPeerCredentials struct {
	PeerURL         string `json:"peer_url"`
	TokenCiphertext string `json:"token_ciphertext"`
	TokenSalt       string `json:"token_salt"`
}

// localWrapPassphrase returns best-effort machine identity to derive
// the key PeerToken is wrapped with at rest. It reads the same machine-id
// files as readMachineID in internal/morango/identity.go, but falls back
// to a fixed string rather than a random value. This guards against casual disclosure
// of auth.json, not a local attacker with code execution.
func localWrapPassphrase() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
	}
	return "morango-default-wrap-passphrase"
}

func wrapPeerToken(token string) (ciphertext, salt string, err error) {
	key, saltBytes, err := crypto.DeriveKeyFromPassphrase(localWrapPassphrase())
	if err != nil {
		return "", "", fmt.Errorf("derive wrap key: %w", err)
	}
	ct, err := crypto.Encrypt(key, []byte(token))
	if err != nil {
		return "", "", fmt.Errorf("encrypt peer token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(saltBytes), nil
}

func unwrapPeerToken(ciphertext, salt string) (string, error) {
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode token salt: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode token ciphertext: %w", err)
	}
	key, err := crypto.DeriveKeyFromPassphraseWithSalt(localWrapPassphrase(), saltBytes)
	if err != nil {
		return "", fmt.Errorf("derive unwrap key: %w", err)
	}
	plaintext, err := crypto.Decrypt(key, ct)
	if err != nil {
		return "", fmt.Errorf("decrypt peer token: %w", err)
	}
	return string(plaintext), nil
}

const defaultServerURL = "http://localhost:8181"
const defaultChunkSize = 500
const defaultListenAddr = ":8181"

// ConfigDir returns ~/.config/morango, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "morango")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/morango/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/morango/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadPeerCredentials reads and unwraps peer credentials from
// ~/.config/morango/auth.json.
func LoadPeerCredentials() (*PeerCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var stored storedPeerCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	token, err := unwrapPeerToken(stored.TokenCiphertext, stored.TokenSalt)
	if err != nil {
		return nil, fmt.Errorf("unwrap peer token: %w", err)
	}
	return &PeerCredentials{PeerURL: stored.PeerURL, PeerToken: token}, nil
}

// SavePeerCredentials wraps PeerToken and writes it to
// ~/.config/morango/auth.json with 0600 perms.
func SavePeerCredentials(creds *PeerCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	ciphertext, salt, err := wrapPeerToken(creds.PeerToken)
	if err != nil {
		return fmt.Errorf("wrap peer token: %w", err)
	}
	stored := storedPeerCredentials{PeerURL: creds.PeerURL, TokenCiphertext: ciphertext, TokenSalt: salt}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearPeerCredentials removes the auth.json file, unlinking the peer.
func ClearPeerCredentials() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetServerURL returns the peer server URL.
// Priority: MORANGO_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("MORANGO_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ServerURL != "" {
		return cfg.Sync.ServerURL
	}
	return defaultServerURL
}

// GetChunkSize returns the number of rows staged into Buffer per chunk
// during the transferring stage.
// Priority: MORANGO_CHUNK_SIZE env > config.json > default (500).
func GetChunkSize() int {
	if v := os.Getenv("MORANGO_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ChunkSize != nil && *cfg.Sync.ChunkSize > 0 {
		return *cfg.Sync.ChunkSize
	}
	return defaultChunkSize
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// GetDeserializeAfterDequeue returns the deserialize-after-dequeue
// setting. No stage of morango.Machine reads it: Machine never runs
// Deserialize after Dequeue, so freshly-merged rows stay dirty until the
// application deserializes them.
// Priority: MORANGO_DESERIALIZE_AFTER_DEQUEUE env > config.json > true.
func GetDeserializeAfterDequeue() bool {
	if v := parseBoolEnv("MORANGO_DESERIALIZE_AFTER_DEQUEUE"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.DeserializeAfterDequeue != nil {
		return *cfg.Sync.DeserializeAfterDequeue
	}
	return true
}

// GetSystemIDOverride returns an operator-supplied value to fold into the
// instance-id derivation instead of reading machine identity, for
// environments where the machine id is unstable or shared (containers
// cloned from one image).
// Priority: MORANGO_SYSTEM_ID_OVERRIDE env > config.json > "" (use machine id).
func GetSystemIDOverride() string {
	if v := os.Getenv("MORANGO_SYSTEM_ID_OVERRIDE"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.SystemIDOverride
	}
	return ""
}

// GetListenAddr returns the address morangod binds to.
// Priority: MORANGO_LISTEN_ADDR env > config.json > default (:8181).
func GetListenAddr() string {
	if v := os.Getenv("MORANGO_LISTEN_ADDR"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return defaultListenAddr
}

// GetSignalURL returns the URL internal/syncsignal posts TransferSession
// stage events to. Empty disables signal dispatch entirely.
// Priority: MORANGO_SIGNAL_URL env > config.json > "" (disabled).
func GetSignalURL() string {
	if v := os.Getenv("MORANGO_SIGNAL_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.SignalURL
	}
	return ""
}

// GetSignalSecret returns the HMAC secret used to sign stage-event
// POSTs, paired with GetSignalURL.
// Priority: MORANGO_SIGNAL_SECRET env > config.json > "" (unsigned).
func GetSignalSecret() string {
	if v := os.Getenv("MORANGO_SIGNAL_SECRET"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.SignalSecret
	}
	return ""
}
