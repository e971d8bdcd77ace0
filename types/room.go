package types

import "time"

// Room is the unit of storage and reconciliation. Its id is derived from the
// room's connect password, so any holder of the password can recompute it.
// Name and all message/member name fields are stored encrypted, the server
// never sees plaintext.
type Room struct {
	Id            string    `json:"id"`
	EncryptedName string    `json:"encryptedName,omitempty"`
	Messages      []Message `json:"messages"`
	Members       []Member  `json:"members"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Member is an ephemeral, session-scoped room occupant. Members live on the
// instance that created them and are never copied across instances.
type Member struct {
	Id            string    `json:"id"`
	EncryptedName string    `json:"encryptedName"`
	SessionToken  string    `json:"sessionToken,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
