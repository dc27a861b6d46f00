package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "member-account"

// JWTService emite y valida tokens de acceso firmados con HS256.
// No guarda estado: un token sigue siendo valido hasta su expiracion.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
	issuer string
	now    func() time.Time
}

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

type JWTOption func(*JWTService)

// WithLeeway tolera desfase de reloj al validar exp/iat.
func WithLeeway(leeway time.Duration) JWTOption {
	return func(s *JWTService) {
		if leeway > 0 {
			s.leeway = leeway
		}
	}
}

func WithIssuer(issuer string) JWTOption {
	return func(s *JWTService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = strings.TrimSpace(issuer)
		}
	}
}

// WithClock reemplaza time.Now; util en tests de expiracion.
func WithClock(now func() time.Time) JWTOption {
	return func(s *JWTService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewJWTService(secret string, ttl time.Duration, opts ...JWTOption) *JWTService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	svc := &JWTService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *JWTService) TTL() time.Duration {
	return s.ttl
}

// Issue firma un token para subjectID con la vida configurada.
func (s *JWTService) Issue(subjectID string) (string, error) {
	return s.IssueWithTTL(subjectID, s.ttl)
}

func (s *JWTService) IssueWithTTL(subjectID string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrTokenInvalid
	}
	if strings.TrimSpace(subjectID) == "" || ttl <= 0 {
		return "", ErrTokenInvalid
	}
	now := s.now().UTC()
	claims := Claims{
		UserID: subjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify valida firma, estructura y expiracion y devuelve el subject.
func (s *JWTService) Verify(tokenString string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrTokenInvalid
	}
	if strings.TrimSpace(tokenString) == "" {
		return "", ErrTokenInvalid
	}
	claims, err := s.parseToken(tokenString)
	if err != nil {
		return "", err
	}
	if !s.isValidClaims(claims) {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}

func (s *JWTService) parseToken(tokenString string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}

func (s *JWTService) isValidClaims(claims Claims) bool {
	if strings.TrimSpace(claims.UserID) == "" {
		return false
	}
	if claims.Subject != claims.UserID {
		return false
	}
	return strings.TrimSpace(claims.Issuer) == s.issuer
}
