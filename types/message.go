package types

import "time"

// Message is an immutable chat message. Id is server-assigned and globally
// unique; ClientId is the sender's idempotency token used to reconcile an
// optimistic local echo with the server-confirmed copy (same ClientId,
// different Id).
type Message struct {
	Id                  string    `json:"id"`
	ClientId            string    `json:"clientId,omitempty"`
	EncryptedBody       string    `json:"encryptedBody"`
	SenderId            string    `json:"senderId"`
	EncryptedSenderName string    `json:"encryptedSenderName"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}
