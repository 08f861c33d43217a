package models

import (
	"strings"
	"time"
)

// Person is the externally owned person record referenced by queue commands.
// FaceImage is the stored face blob; nil when the person has no face on file,
// in which case the device gets the user record without a credential upload.
type Person struct {
	ID        string     `db:"id"`
	FirstName string     `db:"first_name"`
	LastName  string     `db:"last_name"`
	StartDate *time.Time `db:"start_date"`
	EndDate   *time.Time `db:"end_date"`
	Enabled   bool       `db:"enabled"`
	FaceImage []byte     `db:"face_image"`
}

func (p *Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
