package auth

import "golang.org/x/crypto/bcrypt"

// AdminKey checks the platform operator key. Configuration stores only the
// bcrypt hash of the key, never the key itself.
type AdminKey struct {
	hash []byte
}

// NewAdminKey wraps a bcrypt hash from configuration. An empty hash
// disables the admin key entirely.
func NewAdminKey(bcryptHash string) *AdminKey {
	return &AdminKey{hash: []byte(bcryptHash)}
}

// Enabled reports whether an admin key is configured.
func (a *AdminKey) Enabled() bool {
	return len(a.hash) > 0
}

// Check reports whether key matches the configured hash.
func (a *AdminKey) Check(key string) bool {
	if !a.Enabled() || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(key)) == nil
}

// HashAdminKey produces the bcrypt hash to store in configuration. Used by
// the gentoken command.
func HashAdminKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
