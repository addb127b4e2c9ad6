package models

// Identity is the already-authenticated caller of an operation.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Provider is a user who has published at least one offer.
type Provider struct {
	ID    string `db:"creator_id" json:"id"`
	Email string `db:"creator_email" json:"email"`
}
