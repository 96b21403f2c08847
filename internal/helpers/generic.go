package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

func GenerateToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

func GenerateCodeChallenge(pkceVerifier string) string {
	h := sha256.New()
	h.Write([]byte(pkceVerifier))
	hash := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(hash)
}

// VerifyCodeChallenge checks a PKCE verifier against a recorded challenge
// under the recorded method per RFC 7636. An empty method means "plain".
func VerifyCodeChallenge(method, challenge, verifier string) bool {
	var derived string

	switch method {
	case "S256":
		derived = GenerateCodeChallenge(verifier)
	case "plain", "":
		derived = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
