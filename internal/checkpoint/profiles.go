package checkpoint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	masterKeyEnv    = "SCAN_MIGRATE_MASTER_KEY"
	profileCipherV1 = byte(1)
)

// ErrProfileNotFound is returned for unknown profile names.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileInfo describes a stored profile without its contents.
type ProfileInfo struct {
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveProfile encrypts config (credentials included) and stores it under name.
func (s *State) SaveProfile(name, description string, config []byte) error {
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	sealer, err := newProfileSealer()
	if err != nil {
		return err
	}
	enc, err := sealer.seal(name, config)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(sqliteTime)
	_, err = s.db.Exec(`
		INSERT INTO profiles (name, description, config_enc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			config_enc = excluded.config_enc,
			updated_at = excluded.updated_at
	`, name, description, enc, now, now)
	return err
}

// GetProfile returns the decrypted config stored under name.
func (s *State) GetProfile(name string) ([]byte, error) {
	var enc []byte
	err := s.db.QueryRow(`SELECT config_enc FROM profiles WHERE name = ?`, name).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	sealer, err := newProfileSealer()
	if err != nil {
		return nil, err
	}
	return sealer.open(name, enc)
}

// DeleteProfile removes a profile.
func (s *State) DeleteProfile(name string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return nil
}

// ListProfiles returns stored profiles ordered by name.
func (s *State) ListProfiles() ([]ProfileInfo, error) {
	rows, err := s.db.Query(`SELECT name, description, created_at, updated_at FROM profiles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []ProfileInfo
	for rows.Next() {
		var (
			p                ProfileInfo
			desc             sql.NullString
			created, updated string
		)
		if err := rows.Scan(&p.Name, &desc, &created, &updated); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.CreatedAt, _ = time.Parse(sqliteTime, created)
		p.UpdatedAt, _ = time.Parse(sqliteTime, updated)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GenerateMasterKey returns a new base64 key suitable for SCAN_MIGRATE_MASTER_KEY.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// profileSealer encrypts with AES-256-GCM. The profile name is bound as
// additional data so a ciphertext cannot be moved to another name.
type profileSealer struct {
	aead cipher.AEAD
}

func newProfileSealer() (*profileSealer, error) {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set (create one with 'scan-migrate profile keygen')", masterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded: %w", masterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", masterKeyEnv, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &profileSealer{aead: aead}, nil
}

// seal returns version || nonce || ciphertext.
func (p *profileSealer) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+p.aead.Overhead())
	out = append(out, profileCipherV1)
	out = append(out, nonce...)
	return p.aead.Seal(out, nonce, plaintext, []byte(name)), nil
}

func (p *profileSealer) open(name string, payload []byte) ([]byte, error) {
	ns := p.aead.NonceSize()
	if len(payload) < 1+ns {
		return nil, errors.New("encrypted profile payload is too short")
	}
	if payload[0] != profileCipherV1 {
		return nil, fmt.Errorf("unsupported profile cipher version: %d", payload[0])
	}
	plaintext, err := p.aead.Open(nil, payload[1:1+ns], payload[1+ns:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt profile %s: %w", name, err)
	}
	return plaintext, nil
}
