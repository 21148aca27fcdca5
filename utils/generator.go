package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/clinicdesk/backend/cache"
)

// RegNumberGenerator produces human-readable patient registration numbers
// of the form PT-XXXXXXXX.
type RegNumberGenerator struct {
	// Track recently generated numbers to ensure uniqueness within the
	// process; the database unique constraint is the real guarantee.
	usedNumbers  map[string]bool
	mutex        sync.Mutex
	characterSet []rune
}

func NewRegNumberGenerator() *RegNumberGenerator {
	// Capital letters and digits only, omitting easily confused
	// characters: 0, O, 1, I
	characterSet := []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

	return &RegNumberGenerator{
		usedNumbers:  make(map[string]bool),
		characterSet: characterSet,
	}
}

// Generate creates a new unique registration number.
func (g *RegNumberGenerator) Generate() (string, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	maxAttempts := 100
	for attempts := 0; attempts < maxAttempts; attempts++ {
		suffix, err := g.randomSuffix(8)
		if err != nil {
			return "", err
		}

		number := "PT-" + suffix
		if !g.usedNumbers[number] {
			g.usedNumbers[number] = true
			return number, nil
		}
	}

	return "", fmt.Errorf("failed to generate unique registration number after %d attempts", maxAttempts)
}

func (g *RegNumberGenerator) randomSuffix(length int) (string, error) {
	result := make([]rune, length)
	charSetLength := big.NewInt(int64(len(g.characterSet)))

	for i := 0; i < length; i++ {
		randomIndex, err := rand.Int(rand.Reader, charSetLength)
		if err != nil {
			return "", err
		}
		result[i] = g.characterSet[randomIndex.Int64()]
	}

	return string(result), nil
}

// Cleanup resets the in-process uniqueness set once it grows past maxSize.
func (g *RegNumberGenerator) Cleanup(maxSize int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if len(g.usedNumbers) > maxSize {
		g.usedNumbers = make(map[string]bool)
	}
}

// StreamTokenGenerator issues short-lived JWTs for the SSE stream endpoint,
// where EventSource cannot send an Authorization header. Issued token ids
// are tracked in Redis so a token can be revoked before expiry.
type StreamTokenGenerator struct {
	cache     *cache.Cache
	secretKey []byte
	ttl       time.Duration
}

func NewStreamTokenGenerator(redisClient *redis.Client, secretKey string, ttl time.Duration) *StreamTokenGenerator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StreamTokenGenerator{
		cache:     cache.NewCache(redisClient, "stream_token:"),
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// StreamClaims is what a stream token carries.
type StreamClaims struct {
	AuthID string `json:"auth_id"`
	OrgID  string `json:"org_id"`
}

// Generate signs a token scoped to one user and organization.
func (g *StreamTokenGenerator) Generate(ctx context.Context, authID, orgID string) (string, error) {
	jti := fmt.Sprintf("%s:%d", authID, time.Now().UnixNano())

	claims := jwt.MapClaims{
		"sub":    authID,
		"org_id": orgID,
		"exp":    time.Now().Add(g.ttl).Unix(),
		"iat":    time.Now().Unix(),
		"jti":    jti,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secretKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign stream token")
	}

	if err := g.cache.Set(ctx, jti, claims, g.ttl); err != nil {
		return "", errors.Wrap(err, "failed to register stream token")
	}

	return signed, nil
}

// Verify parses and validates a stream token, checking it has not been
// revoked.
func (g *StreamTokenGenerator) Verify(ctx context.Context, tokenString string) (*StreamClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return g.secretKey, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse stream token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	jti, ok := claims["jti"].(string)
	if !ok {
		return nil, errors.New("invalid token identifier")
	}

	var registered jwt.MapClaims
	if err := g.cache.Get(ctx, jti, &registered); err != nil {
		return nil, errors.Wrap(err, "stream token revoked or expired")
	}

	sub, _ := claims["sub"].(string)
	orgID, _ := claims["org_id"].(string)
	if sub == "" || orgID == "" {
		return nil, errors.New("stream token missing subject or organization")
	}

	return &StreamClaims{AuthID: sub, OrgID: orgID}, nil
}

// Revoke removes a token id so it can no longer be used.
func (g *StreamTokenGenerator) Revoke(ctx context.Context, jti string) error {
	return g.cache.Delete(ctx, jti)
}
