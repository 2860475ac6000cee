package models

import (
	"time"

	"github.com/google/uuid"
)

// APIClient is a service or advisor credential allowed to call the API.
// Actors recorded on approvals are client names.
type APIClient struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NewAPIClient creates a client with the given bcrypt hash
func NewAPIClient(name, secretHash string) *APIClient {
	return &APIClient{
		ID:         uuid.New(),
		Name:       name,
		SecretHash: secretHash,
		CreatedAt:  time.Now().UTC(),
	}
}
