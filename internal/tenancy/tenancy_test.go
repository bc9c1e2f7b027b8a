package tenancy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintAndValidateAgentToken(t *testing.T) {
	svc := NewService("daemon-secret", "jwt-secret", time.Hour)
	token, err := svc.Mint("tenant-a", "user-1", "agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tenant, err := svc.ValidateAgentToken(token, "user-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tenant.TenantID != "tenant-a" || tenant.UserID != "user-1" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
}

func TestValidateAgentTokenRejectsSessionMismatch(t *testing.T) {
	svc := NewService("daemon-secret", "jwt-secret", time.Hour)
	token, err := svc.Mint("tenant-a", "user-1", "agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := svc.ValidateAgentToken(token, "user-2"); err == nil {
		t.Fatal("expected error for mismatched session user id")
	}
}

func TestValidateAgentTokenRejectsWrongSecret(t *testing.T) {
	svc := NewService("daemon-secret", "jwt-secret", time.Hour)
	token, err := svc.Mint("tenant-a", "user-1", "agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other := NewService("daemon-secret", "other-secret", time.Hour)
	if _, err := other.ValidateAgentToken(token, ""); err == nil {
		t.Fatal("expected error validating token signed with a different secret")
	}
}

func TestCheckDaemonToken(t *testing.T) {
	svc := NewService("daemon-secret", "jwt-secret", time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := svc.CheckDaemonToken(req); err == nil {
		t.Fatal("expected error for missing daemon key")
	}

	req.Header.Set("X-Agent-Daemon-Key", "wrong")
	if err := svc.CheckDaemonToken(req); err == nil {
		t.Fatal("expected error for wrong daemon key")
	}

	req.Header.Set("X-Agent-Daemon-Key", "daemon-secret")
	if err := svc.CheckDaemonToken(req); err != nil {
		t.Fatalf("expected no error for correct daemon key, got %v", err)
	}
}

func TestCheckDaemonTokenUnconfiguredIsNoop(t *testing.T) {
	svc := NewService("", "jwt-secret", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := svc.CheckDaemonToken(req); err != nil {
		t.Fatalf("expected no-op when daemon key unconfigured, got %v", err)
	}
}

func TestCapabilityToolAllowedDenyWinsOverAllow(t *testing.T) {
	cap := Capability{ToolAllow: []string{"search", "fetch"}, ToolDeny: []string{"fetch"}}
	if !cap.ToolAllowed("search") {
		t.Fatal("expected search to be allowed")
	}
	if cap.ToolAllowed("fetch") {
		t.Fatal("expected fetch to be denied despite being in the allow-list")
	}
	if cap.ToolAllowed("unlisted") {
		t.Fatal("expected tool outside a non-empty allow-list to be denied")
	}
}

func TestCapabilityToolAllowedEmptyAllowListMeansUnrestricted(t *testing.T) {
	cap := Capability{ToolDeny: []string{"danger"}}
	if !cap.ToolAllowed("anything") {
		t.Fatal("expected empty allow-list to permit any non-denied tool")
	}
	if cap.ToolAllowed("danger") {
		t.Fatal("expected explicit deny to still block")
	}
}

func TestCapabilityModelAllowed(t *testing.T) {
	cap := Capability{ModelAllow: []string{"claude-3-haiku"}}
	if !cap.ModelAllowed("claude-3-haiku") {
		t.Fatal("expected allow-listed model to be permitted")
	}
	if cap.ModelAllowed("gpt-4o") {
		t.Fatal("expected non-allow-listed model to be denied")
	}
}

func TestHasPermissionRoleHierarchy(t *testing.T) {
	if !HasPermission(RoleViewer, PermTraceView) {
		t.Fatal("expected viewer to have trace:view")
	}
	if HasPermission(RoleViewer, PermWorkspacePromote) {
		t.Fatal("expected viewer to lack workspace:promote")
	}
	if !HasPermission(RoleAdmin, PermOverrideUse) {
		t.Fatal("expected admin to have override:use")
	}
}

func TestPermissionsForRoleSortedAndComplete(t *testing.T) {
	perms := PermissionsForRole(RoleAdmin)
	if len(perms) == 0 {
		t.Fatal("expected admin to have permissions")
	}
	for i := 1; i < len(perms); i++ {
		if perms[i-1] >= perms[i] {
			t.Fatalf("permissions not sorted: %v", perms)
		}
	}
	for _, p := range perms {
		if !HasPermission(RoleAdmin, p) {
			t.Fatalf("PermissionsForRole returned %s but HasPermission disagrees", p)
		}
	}
}

func TestRankAtLeast(t *testing.T) {
	if !RankAtLeast(RoleAdmin, RoleOperator) {
		t.Fatal("expected admin to rank at least operator")
	}
	if RankAtLeast(RoleViewer, RoleReleaseManager) {
		t.Fatal("expected viewer to rank below release_manager")
	}
}

func TestOpsIdentityCanReadTenant(t *testing.T) {
	id := OpsIdentity{TenantID: "tenant-a", Role: RoleAdmin, AllowedTenants: []string{"tenant-b"}}
	if !id.CanReadTenant("tenant-a") {
		t.Fatal("expected identity to read its own tenant")
	}
	if !id.CanReadTenant("tenant-b") {
		t.Fatal("expected admin to read an allow-listed tenant")
	}
	if id.CanReadTenant("tenant-c") {
		t.Fatal("expected admin to be denied a tenant outside the allow-list")
	}

	nonAdmin := OpsIdentity{TenantID: "tenant-a", Role: RoleOperator, AllowedTenants: []string{"tenant-b"}}
	if nonAdmin.CanReadTenant("tenant-b") {
		t.Fatal("expected non-admin to never read another tenant regardless of allow-list")
	}
}

func TestFlattenRoleClaimPicksHighestRank(t *testing.T) {
	if got := flattenRoleClaim([]any{"viewer", "operator"}); got != RoleOperator {
		t.Fatalf("got %s want operator", got)
	}
	if got := flattenRoleClaim("admin"); got != RoleAdmin {
		t.Fatalf("got %s want admin", got)
	}
	if got := flattenRoleClaim(nil); got != RoleViewer {
		t.Fatalf("got %s want viewer default", got)
	}
}
