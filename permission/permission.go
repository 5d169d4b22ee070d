// Package permission implements the single visibility predicate shared by
// mutate-time validation and query-time filtering. The same Actor and
// Record shapes are used on both paths so the predicate can never drift
// between write-time and read-time.
package permission

// Visibility is the closed set of values a record's visibility may take.
type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

// Actor is the minimal identity the predicate needs. An unauthenticated
// caller is modeled as the zero value with Roles left nil/empty: only
// visibility=public records match it.
type Actor struct {
	ID          uint64
	OrgID       *uint64
	Roles       []string
	IsSuperuser bool
}

func (a Actor) hasRole(code string) bool {
	for _, r := range a.Roles {
		if r == code {
			return true
		}
	}
	return false
}

// Record is the minimal shape of anything the predicate is evaluated
// against: a DocumentVersion, or (denormalized) a Chunk/Page carrying the
// same visibility snapshot.
type Record struct {
	OwnerID         uint64
	OrgID           *uint64
	Visibility      Visibility
	SharedWithUsers []uint64
	SharedWithRoles []string
}

// Allows reports whether actor may read record. It returns true when
// the actor is a superuser, owns the record, the record is public, the
// record is organization-visible and the actor shares that
// organization, the actor appears in the record's shared-users set, or
// one of the actor's roles appears in the record's shared-roles set.
func Allows(actor Actor, record Record) bool {
	if actor.IsSuperuser {
		return true
	}
	if actor.ID != 0 && record.OwnerID == actor.ID {
		return true
	}
	if record.Visibility == VisibilityPublic {
		return true
	}
	if record.Visibility == VisibilityOrganization && actor.OrgID != nil && record.OrgID != nil && *actor.OrgID == *record.OrgID {
		return true
	}
	if actor.ID != 0 {
		for _, id := range record.SharedWithUsers {
			if id == actor.ID {
				return true
			}
		}
	}
	for _, code := range record.SharedWithRoles {
		if actor.hasRole(code) {
			return true
		}
	}
	return false
}

// Fragment is the structured boolean "should" clause equivalent of the
// predicate, handed to searchindex so the index can filter at query
// time with minimum_should_match=1, mirroring the in-process check
// above exactly.
type Fragment struct {
	IsSuperuser bool
	ActorID     uint64
	ActorOrgID  *uint64
	ActorRoles  []string
}

// BuildFragment constructs the query-time equivalent of Allows for the
// given actor. Package searchindex turns this into a bool/should clause.
func BuildFragment(actor Actor) Fragment {
	return Fragment{
		IsSuperuser: actor.IsSuperuser,
		ActorID:     actor.ID,
		ActorOrgID:  actor.OrgID,
		ActorRoles:  append([]string(nil), actor.Roles...),
	}
}

// CanTransitionVisibility reports whether `by` may move a record between
// the given visibility states. Owners and superusers may freely move a
// record through private -> organization -> public in either direction;
// the move is freely allowed, not required to be monotonic.
func CanTransitionVisibility(by Actor, record Record, to Visibility) bool {
	switch to {
	case VisibilityPrivate, VisibilityOrganization, VisibilityPublic:
	default:
		return false
	}
	return by.IsSuperuser || record.OwnerID == by.ID
}

// CanShareWithUser reports whether `by` may add `target` to a record's
// shared_with_users set. Shared users must be in the same organization as
// the record unless the grant is made by a superuser.
func CanShareWithUser(by Actor, record Record, targetOrgID *uint64) bool {
	if !by.IsSuperuser && record.OwnerID != by.ID {
		return false
	}
	if by.IsSuperuser {
		return true
	}
	if record.OrgID == nil || targetOrgID == nil {
		return false
	}
	return *record.OrgID == *targetOrgID
}
