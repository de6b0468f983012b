package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/tunebytes/bid-engine/internal/model"
)

var (
	hkdfSalt = []byte("bid-engine/ledger")
	hkdfInfo = []byte("ledger-entry-hmac-v1")
)

// ErrNoSecret is returned when the hash secret is not configured.
var ErrNoSecret = errors.New("ledger: hash secret is empty")

// Hasher computes the keyed integrity hash of ledger entries. It is called at
// append time and at verification time only.
type Hasher struct {
	key []byte
}

// NewHasher derives the HMAC key from secret with HKDF-SHA256.
func NewHasher(secret string) (*Hasher, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	reader := hkdf.New(sha256.New, []byte(secret), hkdfSalt, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("ledger: derive hash key: %w", err)
	}
	return &Hasher{key: key}, nil
}

// canonicalEntry fixes the field order of the hashed serialization. Seq and
// Hash are excluded: the first is assigned after hashing, the second is the
// output.
type canonicalEntry struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	UserID          string         `json:"user_id"`
	Amount          int64          `json:"amount"`
	BidID           string         `json:"bid_id"`
	MediaID         string         `json:"media_id"`
	Pre             model.Snapshot `json:"pre"`
	Post            model.Snapshot `json:"post"`
	Description     string         `json:"description"`
	CorrectsEntryID string         `json:"corrects_entry_id"`
	PrevHash        string         `json:"prev_hash"`
	CreatedAt       string         `json:"created_at"`
}

// Canonical returns the byte serialization the hash is computed over.
func Canonical(e *model.LedgerEntry) []byte {
	data, _ := json.Marshal(canonicalEntry{
		ID:              e.ID,
		Type:            string(e.Type),
		UserID:          e.UserID,
		Amount:          e.Amount,
		BidID:           e.BidID,
		MediaID:         e.MediaID,
		Pre:             e.Pre,
		Post:            e.Post,
		Description:     e.Description,
		CorrectsEntryID: e.CorrectsEntryID,
		PrevHash:        e.PrevHash,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return data
}

// Hash returns the hex HMAC-SHA256 of the entry's canonical form.
func (h *Hasher) Hash(e *model.LedgerEntry) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(Canonical(e))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the hash of e and compares it with the stored one in
// constant time.
func (h *Hasher) Verify(e *model.LedgerEntry) (recomputed string, ok bool) {
	recomputed = h.Hash(e)
	return recomputed, hmac.Equal([]byte(recomputed), []byte(e.Hash))
}
