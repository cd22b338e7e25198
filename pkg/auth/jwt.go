package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Roles accepts either a JSON array or a single string.
type Roles []string

func (r *Roles) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*r = list
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	if single == "" {
		*r = nil
		return nil
	}
	*r = strings.Fields(strings.ReplaceAll(single, ",", " "))
	return nil
}

// Claims are the identity provider claims the gateway understands.
type Claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Roles     Roles  `json:"roles,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Audience  any    `json:"aud,omitempty"`
	ExpiresAt int64  `json:"exp"`
	NotBefore int64  `json:"nbf,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
}

// rawToken is a split but unverified JWT.
type rawToken struct {
	header    jwtHeader
	claims    Claims
	payload   []byte
	signed    string
	signature []byte
}

func parseUnverified(token string) (rawToken, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return rawToken{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return rawToken{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return rawToken{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return rawToken{}, err
	}
	var rt rawToken
	if err := json.Unmarshal(headerRaw, &rt.header); err != nil {
		return rawToken{}, err
	}
	if err := json.Unmarshal(payloadRaw, &rt.claims); err != nil {
		return rawToken{}, err
	}
	rt.payload = payloadRaw
	rt.signed = parts[0] + "." + parts[1]
	rt.signature = sig
	return rt, nil
}

func hs256(secret []byte, signed string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signed))
	return mac.Sum(nil)
}

// signHS256 encodes and signs payload. Used for session tokens.
func signHS256(secret []byte, payload any) (string, error) {
	headerRaw, _ := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT"})
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signed := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	return signed + "." + base64.RawURLEncoding.EncodeToString(hs256(secret, signed)), nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
