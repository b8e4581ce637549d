// Package identity manages this host's persistent device identity: a random
// DeviceID minted on first run and stored alongside the agent config, plus
// the human-friendly dashed format used when a user reads it aloud or types
// it into a peer's "connect to" field.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("identity")

// record is the on-disk shape persisted under the config directory.
type record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is this device's durable identifier.
type Identity struct {
	ID        string
	CreatedAt time.Time
}

// Store persists an Identity as JSON at a fixed path, owner-only.
type Store struct {
	path string
}

// NewStore returns a Store rooted at dir/identity.json, creating dir if
// necessary on first Load/Save.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "identity.json")}
}

// Load reads the persisted identity, minting and saving a new one if none
// exists yet. This makes Load idempotent and safe to call on every startup.
func (s *Store) Load() (Identity, error) {
	data, err := os.ReadFile(s.path)
	if err == nil {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return Identity{}, fmt.Errorf("identity: parse %s: %w", s.path, err)
		}
		return Identity{ID: rec.ID, CreatedAt: rec.CreatedAt}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: read %s: %w", s.path, err)
	}

	id, err := generateID()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate: %w", err)
	}
	ident := Identity{ID: id, CreatedAt: time.Now().UTC()}
	if err := s.save(ident); err != nil {
		return Identity{}, err
	}
	log.Info("minted device identity", "deviceId", ident.ID)
	return ident, nil
}

func (s *Store) save(ident Identity) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(record{ID: ident.ID, CreatedAt: ident.CreatedAt}, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("identity: write %s: %w", s.path, err)
	}
	return os.Chmod(s.path, 0600)
}

// idDigits keeps generateID to exactly nine decimal digits, matching
// the dashed NNN-NNN-NNN display format one-for-one (no base conversion).
const idDigits = 9

func generateID() (string, error) {
	var b strings.Builder
	for i := 0; i < idDigits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteString(n.String())
	}
	return b.String(), nil
}

// FormatDashed renders a nine-digit device ID as NNN-NNN-NNN for display.
// It panics if id is not exactly nine decimal digits, since callers should
// only ever format IDs produced by generateID or round-tripped through
// ParseConnectionID.
func FormatDashed(id string) string {
	if len(id) != idDigits || !allDigits(id) {
		panic(fmt.Sprintf("identity: FormatDashed: invalid device id %q", id))
	}
	return id[0:3] + "-" + id[3:6] + "-" + id[6:9]
}

// ParseConnectionID accepts whatever a user might type or paste when asked
// for a peer's connection ID: digits with dashes, spaces, or no separators
// at all. It drops dashes and spaces, rejects any other non-digit character,
// and requires exactly nine decimal digits to remain.
func ParseConnectionID(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '-' || r == ' ' {
			continue
		} else {
			return "", fmt.Errorf("identity: invalid character %q in connection id", r)
		}
	}
	digits := b.String()
	if len(digits) != idDigits {
		return "", fmt.Errorf("identity: connection id must contain exactly %d digits, got %d", idDigits, len(digits))
	}
	return digits, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
