package searchindex

import (
	"testing"

	"knowledgebase/permission"
)

func TestPermissionShouldClausesSuperuserBypassesAll(t *testing.T) {
	clauses := permissionShouldClauses(permission.Fragment{IsSuperuser: true})
	if len(clauses) != 1 {
		t.Fatalf("expected a single match_all clause for a superuser, got %d", len(clauses))
	}
	if _, ok := clauses[0]["match_all"]; !ok {
		t.Fatalf("expected match_all clause, got %v", clauses[0])
	}
}

func TestPermissionShouldClausesIncludeOwnerOrgAndRoleBranches(t *testing.T) {
	orgID := uint64(7)
	fragment := permission.Fragment{
		ActorID:    3,
		ActorOrgID: &orgID,
		ActorRoles: []string{"editor", "viewer"},
	}
	clauses := permissionShouldClauses(fragment)

	// public + owner + shared_with_users + org + 2 roles = 6 clauses.
	if len(clauses) != 6 {
		t.Fatalf("expected 6 should clauses, got %d: %v", len(clauses), clauses)
	}
}

func TestPermissionShouldClausesAnonymousOnlyMatchesPublic(t *testing.T) {
	clauses := permissionShouldClauses(permission.Fragment{})
	if len(clauses) != 1 {
		t.Fatalf("expected only the public clause for an anonymous actor, got %d", len(clauses))
	}
	term, ok := clauses[0]["term"].(map[string]interface{})
	if !ok || term["metadata.visibility"] != "public" {
		t.Fatalf("expected public visibility clause, got %v", clauses[0])
	}
}
