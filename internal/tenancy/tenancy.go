// Package tenancy validates signed bearer tokens and derives tenant/user/
// role/permissions for every mutating or sensitive request. The HMAC-claims
// shape is grounded on the teacher's internal/auth/jwt.go (golang-jwt/jwt/v5,
// HS256, RegisteredClaims); the daemon-token constant-time compare is
// grounded on the shared-secret check in the teacher's edge auth service.
package tenancy

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/governedrun/runtime/internal/errs"
)

// Capability is a tenant's tool/model/skill allow-list and deny-list plus
// a per-request token cap.
type Capability struct {
	ToolAllow  []string
	ToolDeny   []string
	ModelAllow []string
	SkillAllow []string
	TokenCap   int
}

// Claims is the agent identity token payload: symmetric-signed JSON with
// type=agent, tenant id, role, issued-at, 2-hour expiry.
type Claims struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Tenant is the resolved identity for one request.
type Tenant struct {
	TenantID   string
	UserID     string
	Role       string
	Capability Capability
}

// Service validates daemon and agent tokens and mints outbound agent
// tokens for control-plane calls.
type Service struct {
	daemonKey []byte
	jwtSecret []byte
	ttl       time.Duration
	caps      map[string]Capability // tenant id -> capability, operator-configured
}

func NewService(daemonKey, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Service{daemonKey: []byte(daemonKey), jwtSecret: []byte(jwtSecret), ttl: ttl, caps: map[string]Capability{}}
}

// SetCapability registers a tenant's capability set (operator configuration).
func (s *Service) SetCapability(tenantID string, c Capability) { s.caps[tenantID] = c }

// CapabilityFor returns a tenant's registered capability set, or the zero
// value (empty allow/deny lists, unlimited) for an unregistered tenant.
func (s *Service) CapabilityFor(tenantID string) Capability { return s.caps[tenantID] }

// CheckDaemonToken verifies the X-Agent-Daemon-Key header when a daemon key
// is configured; when unconfigured, the check is a no-op.
func (s *Service) CheckDaemonToken(r *http.Request) error {
	if len(s.daemonKey) == 0 {
		return nil
	}
	supplied := []byte(r.Header.Get("X-Agent-Daemon-Key"))
	if len(supplied) == 0 || subtle.ConstantTimeCompare(supplied, s.daemonKey) != 1 {
		return errs.New(errs.AuthMissing, "missing or invalid daemon key")
	}
	return nil
}

// Mint signs an outbound agent identity token for control-plane calls.
func (s *Service) Mint(tenantID, userID, role string) (string, error) {
	claims := Claims{
		Type: "agent", TenantID: tenantID, UserID: userID, Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateAgentToken parses and validates a symmetric agent identity token,
// enforcing type=agent and returning the resolved Tenant. sessionUserID, if
// non-empty, must match the token's user id: a token whose user_id
// disagrees with the session-key user id is rejected as invalid.
func (s *Service) ValidateAgentToken(tokenStr, sessionUserID string) (*Tenant, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.Wrap(errs.AuthInvalid, "invalid agent token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Type != "agent" {
		return nil, errs.New(errs.AuthInvalid, "token missing type=agent")
	}
	if sessionUserID != "" && claims.UserID != "" && claims.UserID != sessionUserID {
		return nil, errs.New(errs.AuthInvalid, "token user_id disagrees with session key")
	}
	return &Tenant{
		TenantID:   claims.TenantID,
		UserID:     claims.UserID,
		Role:       claims.Role,
		Capability: s.caps[claims.TenantID],
	}, nil
}

// ToolAllowed applies the deny-wins-over-allow rule: an explicit deny
// always blocks, and a non-empty allow-list restricts to its members.
func (c Capability) ToolAllowed(tool string) bool {
	for _, d := range c.ToolDeny {
		if d == tool {
			return false
		}
	}
	if len(c.ToolAllow) == 0 {
		return true
	}
	for _, a := range c.ToolAllow {
		if a == tool {
			return true
		}
	}
	return false
}

// ModelAllowed enforces the model allow-list when non-empty.
func (c Capability) ModelAllowed(model string) bool {
	if len(c.ModelAllow) == 0 {
		return true
	}
	for _, m := range c.ModelAllow {
		if m == model {
			return true
		}
	}
	return false
}
