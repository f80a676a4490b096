package domain

import "time"

// Audit carries creation and modification timestamps. Writers stamp it
// explicitly before every store call; stores persist what they are given.
type Audit struct {
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// StampCreated sets both timestamps for a new row.
func (a *Audit) StampCreated(now time.Time) {
	now = now.UTC()
	a.CreatedAt = now
	a.ModifiedAt = now
}

// StampModified bumps the modification timestamp.
func (a *Audit) StampModified(now time.Time) {
	a.ModifiedAt = now.UTC()
}
