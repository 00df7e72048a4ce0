package session

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const identityKey = "chat.identity"

// Identity is the stable visitor identity correlating all chat state for
// one visitor across reconnects and daemon restarts. Guests get a fresh
// generated session id; authenticated visitors carry their user id too.
type Identity struct {
	SessionID       string `json:"sessionId"`
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
	UserID          string `json:"userId,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// KV is the durable key-value storage the identity is persisted in.
type KV interface {
	GetKV(key string) (string, bool, error)
	SetKV(key, value string) error
}

// NewIdentity generates a guest identity with a fresh session id.
func NewIdentity() Identity {
	return Identity{SessionID: uuid.New().String()}
}

// LoadIdentity returns the persisted identity, creating and persisting a
// fresh guest identity when none exists yet.
func LoadIdentity(kv KV) (Identity, error) {
	raw, ok, err := kv.GetKV(identityKey)
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	if ok {
		var id Identity
		if err := json.Unmarshal([]byte(raw), &id); err == nil && id.SessionID != "" {
			return id, nil
		}
		// Corrupt entry: fall through and regenerate.
	}
	id := NewIdentity()
	if err := SaveIdentity(kv, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SaveIdentity persists the identity.
func SaveIdentity(kv KV, id Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := kv.SetKV(identityKey, string(raw)); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}
