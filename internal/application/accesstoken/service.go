package accesstoken

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/contentcipher"
)

const tokenInfo = "codemarket/access-token/v1"

// Claims is the payload sealed inside an access token.
type Claims struct {
	PurchaseID string    `json:"purchase_id"`
	Buyer      string    `json:"buyer"`
	IssuedAt   time.Time `json:"issued_at"`
	Nonce      string    `json:"nonce"`
}

// Service issues and verifies stateless, authenticated access tokens.
// There is no revocation list; a token is valid until its TTL elapses.
type Service struct {
	key []byte
	ttl time.Duration
	Now func() time.Time
}

// NewService derives the token key from secret. A ttl of 0 disables expiry.
func NewService(secret []byte, ttl time.Duration) (*Service, error) {
	key, err := contentcipher.DeriveKey(secret, tokenInfo)
	if err != nil {
		return nil, err
	}
	return &Service{key: key, ttl: ttl, Now: time.Now}, nil
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) Issue(purchaseID, buyer string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	b, err := json.Marshal(Claims{
		PurchaseID: purchaseID,
		Buyer:      buyer,
		IssuedAt:   s.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	})
	if err != nil {
		return "", err
	}
	sealed, err := contentcipher.Seal(s.key, b)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify authenticates token and checks its age against the TTL.
func (s *Service) Verify(token string) (Claims, error) {
	var claims Claims
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return claims, domain.TokenInvalid("Invalid access token")
	}
	b, err := contentcipher.Open(s.key, sealed)
	if err != nil {
		return claims, domain.TokenInvalid("Invalid access token")
	}
	if err := json.Unmarshal(b, &claims); err != nil || claims.PurchaseID == "" || claims.Buyer == "" {
		return Claims{}, domain.TokenInvalid("Invalid access token")
	}
	if s.ttl > 0 && claims.IssuedAt.Add(s.ttl).Before(s.Now()) {
		return claims, domain.TokenExpired("Access token expired")
	}
	return claims, nil
}
