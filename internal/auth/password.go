package auth

import (
	"crypto/subtle"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckAdmin verifies operator credentials against the configured bcrypt hash.
// An unconfigured admin never authenticates.
func CheckAdmin(cfg config.Admin, username, password string) bool {
	if cfg.Username == "" || cfg.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(cfg.Username), []byte(username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}
