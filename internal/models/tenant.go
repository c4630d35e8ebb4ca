package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultTier is the billing tier embedded in tokens until billing is wired in
const DefaultTier = "free"

// Tenant represents an organization (a company in the CRM schema)
type Tenant struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`

	Name string `json:"name" db:"name"`
	Slug string `json:"slug" db:"slug"`

	Settings Variables `json:"settings" db:"settings"`
	Metadata Variables `json:"metadata" db:"metadata"`
}

// Slugify derives the URL-safe tenant slug from a display name.
// "Acme Co" becomes "acme-co".
func Slugify(name string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('-')
			}
			inSpace = true
			continue
		}
		inSpace = false
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
