package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"gama-ovr/core/utils"
)

// GenerateCSRF binds a random nonce to the session id with an HMAC.
func GenerateCSRF(key, sessionID string) (string, error) {
	if key == "" {
		return "", errors.New("csrf key is empty")
	}
	nonce, err := utils.RandString(16)
	if err != nil {
		return "", err
	}
	return nonce + "." + csrfMAC(key, sessionID, nonce), nil
}

func VerifyCSRF(key, sessionID, token string) bool {
	nonce, mac, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || mac == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(mac), []byte(csrfMAC(key, sessionID, nonce))) == 1
}

func csrfMAC(key, sessionID, nonce string) string {
	m := hmac.New(sha256.New, []byte(key))
	_, _ = m.Write([]byte(sessionID + "|" + nonce))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
