package relate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AddMemberInput carries the caller-supplied fields for a new membership.
// Identifiers are external ids.
type AddMemberInput struct {
	ContactID             string     `json:"contact_id"`
	RoleID                string     `json:"role_id"`
	JoinedDate            *time.Time `json:"joined_date,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
	SkipAutoRelationships bool       `json:"skip_auto_relationships,omitempty"`
}

// DeactivateInput records why and when a member went inactive.
type DeactivateInput struct {
	Reason string     `json:"reason,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
}

// PreviewInput identifies the hypothetical membership to dry-run.
type PreviewInput struct {
	ContactID string `json:"contact_id"`
	RoleID    string `json:"role_id"`
}

// ContactRef is the external projection of a contact.
type ContactRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// RoleRef is the external projection of a role.
type RoleRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MemberRecord is the read-back returned by membership mutations.
type MemberRecord struct {
	MembershipID         string     `json:"membership_id"`
	Contact              ContactRef `json:"contact"`
	Role                 RoleRef    `json:"role"`
	IsActive             bool       `json:"is_active"`
	InactiveReason       string     `json:"inactive_reason,omitempty"`
	InactiveDate         *time.Time `json:"inactive_date,omitempty"`
	JoinedDate           *time.Time `json:"joined_date,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	RelationshipsCreated int        `json:"relationships_created"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RemoveResult reports the cascade performed when a membership was removed.
type RemoveResult struct {
	EdgesDeleted int64 `json:"relationships_deleted"`
}

// PreviewItem is one edge the engine would create, annotated with whether it
// already exists.
type PreviewItem struct {
	FromContact      ContactRef       `json:"from_contact"`
	ToContact        ContactRef       `json:"to_contact"`
	RelationshipType RelationshipType `json:"relationship_type"`
	AlreadyExists    bool             `json:"already_exists"`
}

// PreviewResult is the dry-run response for a hypothetical membership.
type PreviewResult struct {
	NewContact                   ContactRef    `json:"new_contact"`
	Role                         RoleRef       `json:"role"`
	Relationships                []PreviewItem `json:"relationships"`
	ExistingRelationshipsSkipped int           `json:"existing_relationships_skipped"`
}

// Service defines membership lifecycle and relationship inference operations.
// Every lookup is scoped to the requesting user; entities owned by someone
// else resolve as not found.
type Service interface {
	AddMember(ctx context.Context, userID, collectiveID string, in AddMemberInput) (MemberRecord, error)
	RemoveMember(ctx context.Context, userID, collectiveID, membershipID string) (RemoveResult, error)
	UpdateMemberRole(ctx context.Context, userID, collectiveID, membershipID, roleID string) (MemberRecord, error)
	DeactivateMember(ctx context.Context, userID, collectiveID, membershipID string, in DeactivateInput) (MemberRecord, error)
	ReactivateMember(ctx context.Context, userID, collectiveID, membershipID string) (MemberRecord, error)
	ListMembers(ctx context.Context, userID, collectiveID string) ([]MemberRecord, error)
	PreviewRelationships(ctx context.Context, userID, collectiveID string, in PreviewInput) (PreviewResult, error)
	ListRelationshipTypes(ctx context.Context) ([]RelationshipType, error)
}

// InMemory implements Service with in-process state. Used for tests and for
// running the API without a database.
type InMemory struct {
	mu  sync.RWMutex
	seq int64

	users           map[string]int64 // external id -> internal id
	contacts        map[int64]*memContact
	contactsByExt   map[string]int64
	collectiveTypes map[int64]string
	roles           map[int64]*memRole
	rolesByExt      map[string]int64
	rules           []Rule
	types           map[int64]RelationshipType
	typesByKey      map[string]int64
	collectives     map[int64]*memCollective
	collByExt       map[string]int64
	memberships     map[int64]*Membership
	membByExt       map[string]int64
	edges           map[int64]*Edge
}

type memContact struct {
	Contact
	ownerID int64
}

type memCollective struct {
	Collective
	ownerID int64
}

type memRole struct {
	Role
	collectiveTypeID int64
}

var _ Service = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		users:           make(map[string]int64),
		contacts:        make(map[int64]*memContact),
		contactsByExt:   make(map[string]int64),
		collectiveTypes: make(map[int64]string),
		roles:           make(map[int64]*memRole),
		rolesByExt:      make(map[string]int64),
		types:           make(map[int64]RelationshipType),
		typesByKey:      make(map[string]int64),
		collectives:     make(map[int64]*memCollective),
		collByExt:       make(map[string]int64),
		memberships:     make(map[int64]*Membership),
		membByExt:       make(map[string]int64),
		edges:           make(map[int64]*Edge),
	}
}

func (s *InMemory) nextID() int64 {
	s.seq++
	return s.seq
}

// Fixture helpers ----------------------------------------------------------

// AddUser registers a user by external id.
func (s *InMemory) AddUser(externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[externalID]; !ok {
		s.users[externalID] = s.nextID()
	}
}

// AddContact creates a contact owned by the given user.
func (s *InMemory) AddContact(userID, displayName string) Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memContact{
		Contact: Contact{
			ID:          s.nextID(),
			ExternalID:  newExternalID(),
			DisplayName: displayName,
		},
		ownerID: s.users[userID],
	}
	s.contacts[c.ID] = c
	s.contactsByExt[c.ExternalID] = c.ID
	return c.Contact
}

// AddRelationshipType registers a catalog entry with no inverse.
func (s *InMemory) AddRelationshipType(key, label, category string) RelationshipType {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := RelationshipType{ID: s.nextID(), Key: key, Label: label, Category: category}
	s.types[t.ID] = t
	s.typesByKey[key] = t.ID
	return t
}

// PairInverse links two catalog entries as mutual inverses.
func (s *InMemory) PairInverse(keyA, keyB string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := s.typesByKey[keyA], s.typesByKey[keyB]
	ta, tb := s.types[a], s.types[b]
	ta.InverseTypeID = &b
	tb.InverseTypeID = &a
	s.types[a] = ta
	s.types[b] = tb
}

// AddCollectiveType registers a collective type template and returns its id.
func (s *InMemory) AddCollectiveType(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.collectiveTypes[id] = name
	return id
}

// AddRole adds a role to a collective type template.
func (s *InMemory) AddRole(collectiveTypeID int64, label string) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &memRole{
		Role: Role{
			ID:         s.nextID(),
			ExternalID: newExternalID(),
			Label:      label,
			SortOrder:  len(s.roles) + 1,
		},
		collectiveTypeID: collectiveTypeID,
	}
	s.roles[r.ID] = r
	s.rolesByExt[r.ExternalID] = r.ID
	return r.Role
}

// AddRule registers a membership rule for a collective type.
func (s *InMemory) AddRule(collectiveTypeID int64, newRole, existingRole Role, typeKey string, dir Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{
		CollectiveTypeID:     collectiveTypeID,
		NewMemberRoleID:      newRole.ID,
		ExistingMemberRoleID: existingRole.ID,
		RelationshipTypeID:   s.typesByKey[typeKey],
		Direction:            dir,
	})
}

// AddCollective creates a collective owned by the given user.
func (s *InMemory) AddCollective(userID, name string, collectiveTypeID int64) Collective {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memCollective{
		Collective: Collective{
			ID:               s.nextID(),
			ExternalID:       newExternalID(),
			Name:             name,
			CollectiveTypeID: collectiveTypeID,
		},
		ownerID: s.users[userID],
	}
	s.collectives[c.ID] = c
	s.collByExt[c.ExternalID] = c.ID
	return c.Collective
}

// AddManualEdge records a relationship created by hand (no source membership).
func (s *InMemory) AddManualEdge(from, to Contact, typeKey string) Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Edge{
		ID:                 s.nextID(),
		FromContactID:      from.ID,
		ToContactID:        to.ID,
		RelationshipTypeID: s.typesByKey[typeKey],
		CreatedAt:          time.Now().UTC(),
	}
	s.edges[e.ID] = e
	return *e
}

// Edges returns a snapshot of all relationship edges.
func (s *InMemory) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Service implementation ---------------------------------------------------

func (s *InMemory) AddMember(ctx context.Context, userID, collectiveID string, in AddMemberInput) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return MemberRecord{}, err
	}
	contact, err := s.contactByExt(userID, in.ContactID)
	if err != nil {
		return MemberRecord{}, err
	}
	role, err := s.roleByExt(col.CollectiveTypeID, in.RoleID)
	if err != nil {
		return MemberRecord{}, err
	}
	if s.hasActiveMembership(col.ID, contact.ID) {
		return MemberRecord{}, ErrDuplicateMembership
	}

	now := time.Now().UTC()
	m := &Membership{
		ID:           s.nextID(),
		ExternalID:   newExternalID(),
		CollectiveID: col.ID,
		ContactID:    contact.ID,
		RoleID:       role.ID,
		IsActive:     true,
		JoinedDate:   in.JoinedDate,
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.memberships[m.ID] = m
	s.membByExt[m.ExternalID] = m.ID

	created := 0
	if !in.SkipAutoRelationships {
		engine := NewEngine(&memEngineStore{s: s})
		created, err = engine.Apply(ctx, col.ID, contact.ID, role.ID, m.ID)
		if err != nil {
			// Roll the whole operation back: no membership without its
			// implied relationships.
			s.deleteEdgesForMembership(m.ID)
			delete(s.memberships, m.ID)
			delete(s.membByExt, m.ExternalID)
			return MemberRecord{}, err
		}
	}

	rec := s.memberRecord(m)
	rec.RelationshipsCreated = created
	return rec, nil
}

func (s *InMemory) RemoveMember(ctx context.Context, userID, collectiveID, membershipID string) (RemoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return RemoveResult{}, err
	}
	m, err := s.membershipByExt(col.ID, membershipID)
	if err != nil {
		return RemoveResult{}, err
	}

	deleted := s.deleteEdgesForMembership(m.ID)
	delete(s.memberships, m.ID)
	delete(s.membByExt, m.ExternalID)
	return RemoveResult{EdgesDeleted: deleted}, nil
}

func (s *InMemory) UpdateMemberRole(ctx context.Context, userID, collectiveID, membershipID, roleID string) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return MemberRecord{}, err
	}
	m, err := s.membershipByExt(col.ID, membershipID)
	if err != nil {
		return MemberRecord{}, err
	}
	role, err := s.roleByExt(col.CollectiveTypeID, roleID)
	if err != nil {
		return MemberRecord{}, err
	}

	// Role changes do not retroactively rewire existing relationships.
	m.RoleID = role.ID
	m.UpdatedAt = time.Now().UTC()
	return s.memberRecord(m), nil
}

func (s *InMemory) DeactivateMember(ctx context.Context, userID, collectiveID, membershipID string, in DeactivateInput) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return MemberRecord{}, err
	}
	m, err := s.membershipByExt(col.ID, membershipID)
	if err != nil {
		return MemberRecord{}, err
	}

	now := time.Now().UTC()
	date := in.Date
	if date == nil {
		date = &now
	}
	m.IsActive = false
	m.InactiveReason = in.Reason
	m.InactiveDate = date
	m.UpdatedAt = now
	return s.memberRecord(m), nil
}

func (s *InMemory) ReactivateMember(ctx context.Context, userID, collectiveID, membershipID string) (MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return MemberRecord{}, err
	}
	m, err := s.membershipByExt(col.ID, membershipID)
	if err != nil {
		return MemberRecord{}, err
	}
	if !m.IsActive && s.hasActiveMembership(col.ID, m.ContactID) {
		return MemberRecord{}, ErrDuplicateMembership
	}

	m.IsActive = true
	m.InactiveReason = ""
	m.InactiveDate = nil
	m.UpdatedAt = time.Now().UTC()
	return s.memberRecord(m), nil
}

func (s *InMemory) ListMembers(ctx context.Context, userID, collectiveID string) ([]MemberRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return nil, err
	}

	var out []MemberRecord
	for _, m := range s.memberships {
		if m.CollectiveID == col.ID {
			out = append(out, s.memberRecord(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) PreviewRelationships(ctx context.Context, userID, collectiveID string, in PreviewInput) (PreviewResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collectiveByExt(userID, collectiveID)
	if err != nil {
		return PreviewResult{}, err
	}
	contact, err := s.contactByExt(userID, in.ContactID)
	if err != nil {
		return PreviewResult{}, err
	}
	role, err := s.roleByExt(col.CollectiveTypeID, in.RoleID)
	if err != nil {
		return PreviewResult{}, err
	}
	if s.hasActiveMembership(col.ID, contact.ID) {
		return PreviewResult{}, ErrDuplicateMembership
	}

	engine := NewEngine(&memEngineStore{s: s})
	planned, types, err := engine.Plan(ctx, col.ID, contact.ID, role.ID)
	if err != nil {
		return PreviewResult{}, err
	}

	res := PreviewResult{
		NewContact:    contactRef(contact.Contact),
		Role:          RoleRef{ID: role.ExternalID, Label: role.Label},
		Relationships: make([]PreviewItem, 0, len(planned)),
	}
	for _, p := range planned {
		item := PreviewItem{
			FromContact:      s.contactRefByID(p.FromContactID),
			ToContact:        s.contactRefByID(p.ToContactID),
			RelationshipType: types[p.TypeID],
			AlreadyExists:    p.AlreadyExists,
		}
		if p.AlreadyExists {
			res.ExistingRelationshipsSkipped++
		}
		res.Relationships = append(res.Relationships, item)
	}
	return res, nil
}

func (s *InMemory) ListRelationshipTypes(ctx context.Context) ([]RelationshipType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RelationshipType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Unlocked helpers (callers hold s.mu) -------------------------------------

func (s *InMemory) collectiveByExt(userID, ext string) (*memCollective, error) {
	uid, ok := s.users[userID]
	if !ok {
		return nil, ErrCollectiveNotFound
	}
	id, ok := s.collByExt[ext]
	if !ok {
		return nil, ErrCollectiveNotFound
	}
	col := s.collectives[id]
	if col.ownerID != uid {
		return nil, ErrCollectiveNotFound
	}
	return col, nil
}

func (s *InMemory) contactByExt(userID, ext string) (*memContact, error) {
	uid, ok := s.users[userID]
	if !ok {
		return nil, ErrContactNotFound
	}
	id, ok := s.contactsByExt[ext]
	if !ok {
		return nil, ErrContactNotFound
	}
	c := s.contacts[id]
	if c.ownerID != uid {
		return nil, ErrContactNotFound
	}
	return c, nil
}

func (s *InMemory) roleByExt(collectiveTypeID int64, ext string) (*memRole, error) {
	id, ok := s.rolesByExt[ext]
	if !ok {
		return nil, ErrRoleNotFound
	}
	r := s.roles[id]
	if r.collectiveTypeID != collectiveTypeID {
		return nil, ErrRoleNotFound
	}
	return r, nil
}

func (s *InMemory) membershipByExt(collectiveID int64, ext string) (*Membership, error) {
	id, ok := s.membByExt[ext]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	m := s.memberships[id]
	if m.CollectiveID != collectiveID {
		return nil, ErrMembershipNotFound
	}
	return m, nil
}

func (s *InMemory) hasActiveMembership(collectiveID, contactID int64) bool {
	for _, m := range s.memberships {
		if m.CollectiveID == collectiveID && m.ContactID == contactID && m.IsActive {
			return true
		}
	}
	return false
}

func (s *InMemory) deleteEdgesForMembership(membershipID int64) int64 {
	var deleted int64
	for id, e := range s.edges {
		if e.SourceMembershipID != nil && *e.SourceMembershipID == membershipID {
			delete(s.edges, id)
			deleted++
		}
	}
	return deleted
}

func (s *InMemory) memberRecord(m *Membership) MemberRecord {
	contact := s.contacts[m.ContactID]
	role := s.roles[m.RoleID]
	return MemberRecord{
		MembershipID:   m.ExternalID,
		Contact:        contactRef(contact.Contact),
		Role:           RoleRef{ID: role.ExternalID, Label: role.Label},
		IsActive:       m.IsActive,
		InactiveReason: m.InactiveReason,
		InactiveDate:   m.InactiveDate,
		JoinedDate:     m.JoinedDate,
		Notes:          m.Notes,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (s *InMemory) contactRefByID(id int64) ContactRef {
	if c, ok := s.contacts[id]; ok {
		return contactRef(c.Contact)
	}
	return ContactRef{}
}

func contactRef(c Contact) ContactRef {
	return ContactRef{ID: c.ExternalID, DisplayName: c.DisplayName, PhotoURL: c.PhotoURL}
}

// memEngineStore exposes the in-memory state to the engine without locking;
// the service method driving the engine already holds s.mu.
type memEngineStore struct {
	s *InMemory
}

var _ EngineStore = (*memEngineStore)(nil)

func (st *memEngineStore) CollectiveTypeID(ctx context.Context, collectiveID int64) (int64, bool, error) {
	col, ok := st.s.collectives[collectiveID]
	if !ok {
		return 0, false, nil
	}
	if _, ok := st.s.collectiveTypes[col.CollectiveTypeID]; !ok {
		return 0, false, nil
	}
	return col.CollectiveTypeID, true, nil
}

func (st *memEngineStore) RulesForCollectiveType(ctx context.Context, collectiveTypeID int64) ([]Rule, error) {
	var out []Rule
	for _, r := range st.s.rules {
		if r.CollectiveTypeID == collectiveTypeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (st *memEngineStore) OtherActiveMembers(ctx context.Context, collectiveID, excludeContactID int64) ([]MemberRef, error) {
	var out []MemberRef
	for _, m := range st.s.memberships {
		if m.CollectiveID != collectiveID || !m.IsActive || m.ContactID == excludeContactID {
			continue
		}
		ref := MemberRef{ContactID: m.ContactID, RoleID: m.RoleID}
		if c, ok := st.s.contacts[m.ContactID]; ok {
			ref.DisplayName = c.DisplayName
			ref.PhotoURL = c.PhotoURL
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out, nil
}

func (st *memEngineStore) RelationshipType(ctx context.Context, typeID int64) (RelationshipType, error) {
	t, ok := st.s.types[typeID]
	if !ok {
		return RelationshipType{}, ErrRelationshipTypeNotFound
	}
	return t, nil
}

func (st *memEngineStore) EdgeExists(ctx context.Context, fromContactID, toContactID, typeID int64) (bool, error) {
	for _, e := range st.s.edges {
		if e.FromContactID == fromContactID && e.ToContactID == toContactID && e.RelationshipTypeID == typeID {
			return true, nil
		}
	}
	return false, nil
}

func (st *memEngineStore) InsertEdge(ctx context.Context, e Edge) (int64, error) {
	e.ID = st.s.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	st.s.edges[e.ID] = &e
	return e.ID, nil
}

func (st *memEngineStore) DeleteEdgesForMembership(ctx context.Context, membershipID int64) (int64, error) {
	return st.s.deleteEdgesForMembership(membershipID), nil
}
