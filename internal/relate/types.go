package relate

import (
	"errors"
	"fmt"
	"time"

	"kith.org/internal/ids"
)

// Direction says which side of a rule match authors the relationship edge.
type Direction int

const (
	// DirectionNewMember: the joining contact authors the edge.
	DirectionNewMember Direction = iota
	// DirectionExistingMember: the already-present contact authors the edge,
	// using the inverse relationship type.
	DirectionExistingMember
	// DirectionBoth produces both edges.
	DirectionBoth
)

// ParseDirection maps a stored direction string onto the closed enum.
// Unknown values are rejected here, at load time, not during matching.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "new_member":
		return DirectionNewMember, nil
	case "existing_member":
		return DirectionExistingMember, nil
	case "both":
		return DirectionBoth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

func (d Direction) String() string {
	switch d {
	case DirectionNewMember:
		return "new_member"
	case DirectionExistingMember:
		return "existing_member"
	case DirectionBoth:
		return "both"
	}
	return "unknown"
}

// Contact is a person entity owned by a user. The engine only ever uses it
// as a relationship endpoint.
type Contact struct {
	ID          int64  `json:"-"`
	ExternalID  string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Collective is a named group a user owns. Its type selects the rule set.
type Collective struct {
	ID               int64  `json:"-"`
	ExternalID       string `json:"id"`
	Name             string `json:"name"`
	CollectiveTypeID int64  `json:"-"`
}

// Role is a labeled position within a collective type's template.
type Role struct {
	ID         int64  `json:"-"`
	ExternalID string `json:"id"`
	Label      string `json:"label"`
	SortOrder  int    `json:"sort_order,omitempty"`
}

// RelationshipType is a static catalog entry. A type with no inverse is
// used as its own inverse.
type RelationshipType struct {
	ID            int64  `json:"-"`
	Key           string `json:"key"`
	Label         string `json:"label"`
	Category      string `json:"category"`
	InverseTypeID *int64 `json:"-"`
}

// InverseOrSelf resolves the inverse type id, falling back to the type itself.
func (t RelationshipType) InverseOrSelf() int64 {
	if t.InverseTypeID != nil {
		return *t.InverseTypeID
	}
	return t.ID
}

// Rule maps a (new member role, existing member role) pair to a relationship
// type and direction, scoped to a collective type. Read-only reference data.
type Rule struct {
	CollectiveTypeID     int64
	NewMemberRoleID      int64
	ExistingMemberRoleID int64
	RelationshipTypeID   int64
	Direction            Direction
}

// Membership joins a contact to a collective via a role. At most one active
// membership may exist per (collective, contact).
type Membership struct {
	ID             int64
	ExternalID     string
	CollectiveID   int64
	ContactID      int64
	RoleID         int64
	IsActive       bool
	InactiveReason string
	InactiveDate   *time.Time
	JoinedDate     *time.Time
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Edge is a directed relationship between two contacts. SourceMembershipID
// records the membership whose creation produced the edge; nil marks a
// manually created edge the engine must never touch.
type Edge struct {
	ID                 int64
	FromContactID      int64
	ToContactID        int64
	RelationshipTypeID int64
	SourceMembershipID *int64
	CreatedAt          time.Time
}

// MemberRef is the projection of an active member the engine matches against.
type MemberRef struct {
	ContactID   int64
	RoleID      int64
	DisplayName string
	PhotoURL    string
}

var (
	ErrCollectiveNotFound       = errors.New("relate: collective not found")
	ErrContactNotFound          = errors.New("relate: contact not found")
	ErrRoleNotFound             = errors.New("relate: role not found")
	ErrMembershipNotFound       = errors.New("relate: membership not found")
	ErrRelationshipTypeNotFound = errors.New("relate: relationship type not found")
	ErrDuplicateMembership      = errors.New("relate: contact already has an active membership in this collective")
	ErrUnknownDirection         = errors.New("relate: unknown rule direction")
)

func newExternalID() string {
	return ids.New()
}
