package protocol

import (
	"crypto/sha256"
	"encoding/base64"
)

// AuthResponse computes the challenge-response string for Identify:
//
//	base64(sha256(base64(sha256(password + salt)) + challenge))
//
// per the obs-websocket v5 authentication scheme.
func AuthResponse(password, salt, challenge string) string {
	secretHash := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretHash[:])

	responseHash := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(responseHash[:])
}
