package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"fileforge/internal/domain"
)

var (
	ErrInvalidToken  = errors.New("invalid token format")
	ErrInvalidClaims = errors.New("token claims are invalid")
	ErrMissingTenant = errors.New("token has no tenant")
)

const identityKey = "fileforge.identity"

// Claims are the bearer token claims for the authenticated surfaces.
type Claims struct {
	jwt.Claims
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, leeway: time.Minute, now: time.Now}
}

// Verify parses and checks a token and returns the tenant identity it names.
func (v *Verifier) Verify(token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := tok.Claims(v.secret, &claims); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: v.now()}, v.leeway); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	if claims.TenantID == "" {
		return domain.Identity{}, ErrMissingTenant
	}
	return domain.TenantIdentity(claims.TenantID, claims.UserID), nil
}

// Sign issues a token for claims. Used by operators and tests.
func Sign(secret []byte, claims Claims) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}

// RequireTenant authenticates the request with a bearer JWT.
func RequireTenant(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format. Use 'Bearer <token>'"})
			return
		}
		id, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireAdmin lets through only tenants named in admins. It runs after
// RequireTenant.
func RequireAdmin(admins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityOf(c)
		if id.TenantID == "" || !slices.Contains(admins, id.TenantID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// PublicIdentity keys the request by client address. The address honours the
// router's trusted proxies.
func PublicIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.PublicIdentity(c.ClientIP(), c.Request.UserAgent())
		if !id.Valid() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "client address unavailable"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityOf(c *gin.Context) domain.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(domain.Identity); ok {
			return id
		}
	}
	return domain.Identity{}
}
