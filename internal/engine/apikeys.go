package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/repo"
)

const apiKeyPrefix = "adrk_"

// IssuedAPIKey carries the plaintext secret, which is only available at creation.
type IssuedAPIKey struct {
	domain.APIKey
	Secret string `json:"secret"`
}

// CreateAPIKey stores the hash of a fresh random key for actorID.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (IssuedAPIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if err := requireText("actor_id", actorID); err != nil {
		return IssuedAPIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return IssuedAPIKey{}, err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now(),
	}
	if err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertAPIKey(ctx, tx, key)
	}); err != nil {
		return IssuedAPIKey{}, err
	}
	e.logger().InfoContext(ctx, "api key created", "id", key.ID, "actor_id", actorID)
	return IssuedAPIKey{APIKey: key, Secret: secret}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, strings.TrimSpace(actorID))
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

// RevokeAPIKey deletes the key. Revoking an unknown id returns repo.ErrNotFound.
func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := requireText("id", id); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	e.logger().InfoContext(ctx, "api key revoked", "id", id)
	return nil
}
