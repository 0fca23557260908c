package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const accessTokenTTL = 15 * time.Minute

var errTokenInvalid = errors.New("token invalid")

// Service signs and checks rider access tokens. Accounts live with the
// identity provider; this service only trusts the shared secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), ttl: accessTokenTTL, now: time.Now}
}

func (s *Service) IssueAccessToken(userID string) (TokenResponse, error) {
	if userID == "" {
		return TokenResponse{}, errors.New("user id required")
	}
	token, err := s.signToken(userID, s.ttl)
	if err != nil {
		return TokenResponse{}, errors.Wrap(err, "sign access token")
	}
	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := parseClaims(token, s.secret)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

var signFn = func(t *jwt.Token, key []byte) (string, error) {
	return t.SignedString(key)
}

func (s *Service) signToken(userID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return signFn(jwt.NewWithClaims(jwt.SigningMethodHS256, claims), s.secret)
}

func parseClaims(token string, secret []byte) (*Claims, error) {
	parsed, err := parseClaimsFn(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, errTokenInvalid
	}
	return claims, nil
}

var parseClaimsFn = jwt.ParseWithClaims
