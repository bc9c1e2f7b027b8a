package tenancy

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/governedrun/runtime/internal/errs"
)

// Role is strictly ordered viewer < operator < release_manager < admin.
type Role string

const (
	RoleViewer          Role = "viewer"
	RoleOperator        Role = "operator"
	RoleReleaseManager  Role = "release_manager"
	RoleAdmin           Role = "admin"
)

var roleRank = map[Role]int{RoleViewer: 0, RoleOperator: 1, RoleReleaseManager: 2, RoleAdmin: 3}

// Permission is a closed vocabulary of ops-console actions.
type Permission string

const (
	PermTraceView      Permission = "trace:view"
	PermTraceAnnotate  Permission = "trace:annotate"
	PermTraceDiff      Permission = "trace:diff"
	PermTraceLabel     Permission = "trace:label"
	PermWorkspaceView  Permission = "workspace:view"
	PermWorkspacePromote Permission = "workspace:promote"
	PermWorkspaceRollback Permission = "workspace:rollback"
	PermWorkspaceLock Permission = "workspace:lock"
	PermSkillView      Permission = "skill:view"
	PermSkillPromote   Permission = "skill:promote"
	PermBudgetView     Permission = "budget:view"
	PermBudgetModify   Permission = "budget:modify"
	PermRetentionView  Permission = "retention:view"
	PermRetentionModify Permission = "retention:modify"
	PermDashboardView  Permission = "dashboard:view"
	PermAuditView      Permission = "audit:view"
	PermOverrideUse    Permission = "override:use"
)

// permissionsByRole is a static table; hasPermission is a lookup against it.
var permissionsByRole = map[Role]map[Permission]bool{
	RoleViewer: setOf(PermTraceView, PermWorkspaceView, PermSkillView, PermBudgetView, PermRetentionView, PermDashboardView),
	RoleOperator: setOf(PermTraceView, PermTraceAnnotate, PermTraceDiff, PermTraceLabel,
		PermWorkspaceView, PermSkillView, PermBudgetView, PermRetentionView, PermDashboardView, PermAuditView),
	RoleReleaseManager: setOf(PermTraceView, PermTraceAnnotate, PermTraceDiff, PermTraceLabel,
		PermWorkspaceView, PermWorkspacePromote, PermWorkspaceRollback,
		PermSkillView, PermSkillPromote, PermBudgetView, PermRetentionView, PermDashboardView, PermAuditView),
	RoleAdmin: setOf(PermTraceView, PermTraceAnnotate, PermTraceDiff, PermTraceLabel,
		PermWorkspaceView, PermWorkspacePromote, PermWorkspaceRollback, PermWorkspaceLock,
		PermSkillView, PermSkillPromote, PermBudgetView, PermBudgetModify,
		PermRetentionView, PermRetentionModify, PermDashboardView, PermAuditView, PermOverrideUse),
}

func setOf(perms ...Permission) map[Permission]bool {
	out := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		out[p] = true
	}
	return out
}

// HasPermission is a table lookup: hasPermission(role, permission).
func HasPermission(role Role, perm Permission) bool {
	return permissionsByRole[role][perm]
}

// PermissionsForRole lists every permission granted to role, sorted for
// stable JSON output.
func PermissionsForRole(role Role) []Permission {
	granted := permissionsByRole[role]
	out := make([]Permission, 0, len(granted))
	for p := range granted {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RankAtLeast reports whether role is ranked at or above min.
func RankAtLeast(role, min Role) bool { return roleRank[role] >= roleRank[min] }

// OpsIdentity is the decorated identity-provider claim set for the
// Operations Console.
type OpsIdentity struct {
	TenantID       string
	Workspace      string
	Role           Role
	AllowedTenants []string
}

// CanReadTenant enforces the cross-tenant read rule: only admins whose
// allowed-tenants list includes the target may read another tenant.
func (id OpsIdentity) CanReadTenant(target string) bool {
	if id.TenantID == target {
		return true
	}
	if id.Role != RoleAdmin {
		return false
	}
	for _, t := range id.AllowedTenants {
		if t == target {
			return true
		}
	}
	return false
}

// JWKSValidator fetches and caches a JSON Web Key Set from a configured
// issuer and validates OIDC JWTs against it using jwt/v5's Keyfunc hook.
// No JWKS/OIDC library appears anywhere in the retrieval pack (grep across
// every example repo's go.mod and *.go turned up nothing beyond unrelated
// "ssooidc" AWS SDK indirects), so this is hand-built on jwt/v5 (already
// the pack's JWT library) plus a plain net/http fetch, the way the
// teacher's oauth provider wiring issues plain HTTP requests for token/
// userinfo exchange.
type JWKSValidator struct {
	url            string
	issuer         string
	audience       string
	rbacClaim      string
	tenantClaim    string
	workspaceClaim string
	allowedClaim   string
	client         *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	ttl     time.Duration
}

type jwksDoc struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func NewJWKSValidator(url, issuer, audience, rbacClaim, tenantClaim, workspaceClaim, allowedClaim string) *JWKSValidator {
	return &JWKSValidator{
		url: url, issuer: issuer, audience: audience,
		rbacClaim: rbacClaim, tenantClaim: tenantClaim, workspaceClaim: workspaceClaim, allowedClaim: allowedClaim,
		client: &http.Client{Timeout: 10 * time.Second}, ttl: 15 * time.Minute,
	}
}

func (v *JWKSValidator) refresh() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if time.Since(v.fetched) < v.ttl && v.keys != nil {
		return nil
	}
	resp, err := v.client.Get(v.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eb {
			e = e<<8 | int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}
	}
	v.keys = keys
	v.fetched = time.Now()
	return nil
}

// Validate parses the bearer JWT and returns the decorated OpsIdentity.
func (v *JWKSValidator) Validate(tokenStr string) (*OpsIdentity, error) {
	if err := v.refresh(); err != nil {
		return nil, errs.Wrap(errs.ConfigError, "jwks unavailable", err)
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		v.mu.Lock()
		key, ok := v.keys[kid]
		v.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))
	if err != nil || !token.Valid {
		return nil, errs.Wrap(errs.AuthInvalid, "invalid ops console token", err)
	}
	id := &OpsIdentity{}
	if s, ok := claims[v.tenantClaim].(string); ok {
		id.TenantID = s
	}
	if s, ok := claims[v.workspaceClaim].(string); ok {
		id.Workspace = s
	}
	id.Role = flattenRoleClaim(claims[v.rbacClaim])
	if list, ok := claims[v.allowedClaim].([]any); ok {
		for _, t := range list {
			if s, ok := t.(string); ok {
				id.AllowedTenants = append(id.AllowedTenants, s)
			}
		}
	}
	if id.TenantID == "" {
		return nil, errs.New(errs.AuthInvalid, "token missing tenant claim")
	}
	return id, nil
}

// flattenRoleClaim accepts the role claim as a bare string or a list and
// returns the highest-ranked role present.
func flattenRoleClaim(raw any) Role {
	best := RoleViewer
	consider := func(s string) {
		r := Role(s)
		if roleRank[r] > roleRank[best] {
			best = r
		}
	}
	switch v := raw.(type) {
	case string:
		consider(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				consider(s)
			}
		}
	}
	return best
}
