package federation

import "golang.org/x/crypto/bcrypt"

// HashPeerSecret hashes a shared secret a test-harness mock peer
// presents when registering itself with this pool, generalized from
// the teacher's private-room-key hashing (internal/handlers/room.go)
// to a peer-credential precedent: federation proper has no shared
// secrets, but local test fixtures that stand in for remote servers
// need one to keep a pool from accepting a request that didn't come
// from the peer it claims to be.
func HashPeerSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPeerSecret reports whether secret matches hash.
func VerifyPeerSecret(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}
