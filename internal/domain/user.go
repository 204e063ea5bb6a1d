package domain

import (
	"strings"
	"time"
)

// User represents a smokefield account. Username is the unique identity
// and is always stored lowercase.
type User struct {
	Username         string
	DisplayName      string
	PasswordHash     []byte
	Email            string
	Confirmed        bool
	ConfirmationCode string
	CurrentNum       int
	TotalNum         int
	CreatedAt        time.Time
}

// NormalizeUsername case-folds an identity so that "Alice" and "alice"
// resolve to the same account. Every comparison and every stored key
// goes through this.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
