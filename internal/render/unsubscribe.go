package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnsubscribeClaims is the payload inside a signed unsubscribe token.
type UnsubscribeClaims struct {
	WorkspaceID string `json:"ws"`
	ContactID   string `json:"contactId"`
	Exp         int64  `json:"exp"`
}

// SignUnsubscribeToken produces base64url(payload) "." base64url(HMAC-SHA256
// over the encoded payload). Tokens expire one year after issue.
func SignUnsubscribeToken(workspaceID, contactID, key string, now time.Time) (string, error) {
	claims := UnsubscribeClaims{
		WorkspaceID: workspaceID,
		ContactID:   contactID,
		Exp:         now.AddDate(1, 0, 0).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payloadB64))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payloadB64 + "." + sig, nil
}

// VerifyUnsubscribeToken recomputes the HMAC and checks expiry. It returns
// the claims only when the signature is valid and the token is not expired.
func VerifyUnsubscribeToken(token, key string, now time.Time) (*UnsubscribeClaims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed token")
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(parts[0]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return nil, fmt.Errorf("bad signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad payload encoding: %w", err)
	}
	var claims UnsubscribeClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	if claims.Exp <= now.Unix() {
		return nil, fmt.Errorf("token expired")
	}
	return &claims, nil
}
