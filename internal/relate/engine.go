package relate

import (
	"context"
	"sort"
	"sync"
)

// EngineStore is the data access the engine needs, bound to whatever
// transaction (or read-only handle) the caller is running in. The engine
// never opens a transaction of its own; AddMember/RemoveMember own the
// transaction boundary.
type EngineStore interface {
	// CollectiveTypeID resolves the rule set selector for a collective.
	// ok=false means no rules apply; it is not an error.
	CollectiveTypeID(ctx context.Context, collectiveID int64) (typeID int64, ok bool, err error)
	RulesForCollectiveType(ctx context.Context, collectiveTypeID int64) ([]Rule, error)
	OtherActiveMembers(ctx context.Context, collectiveID, excludeContactID int64) ([]MemberRef, error)
	RelationshipType(ctx context.Context, typeID int64) (RelationshipType, error)
	EdgeExists(ctx context.Context, fromContactID, toContactID, typeID int64) (bool, error)
	InsertEdge(ctx context.Context, e Edge) (int64, error)
	DeleteEdgesForMembership(ctx context.Context, membershipID int64) (int64, error)
}

// Engine derives pairwise relationship edges from collective membership.
// It holds no state of its own; every call is a pure function of its inputs
// plus the store.
type Engine struct {
	store EngineStore
}

func NewEngine(store EngineStore) *Engine {
	return &Engine{store: store}
}

// candidate is one edge a rule implies for one other member. A candidate is
// suppressed when the same-type edge already exists between the pair in
// either direction ("already related, do not duplicate or create a cycle").
type candidate struct {
	fromContactID int64
	toContactID   int64
	typeID        int64
}

// PlannedEdge is a candidate annotated with its existence check result.
type PlannedEdge struct {
	FromContactID int64
	ToContactID   int64
	TypeID        int64
	AlreadyExists bool
}

// Apply creates every edge the collective's rules imply for a newly added
// membership, tagged with sourceMembershipID. Returns the number of edges
// created. A missing collective type, empty rule set, or empty collective
// produce zero edges, not an error.
func (e *Engine) Apply(ctx context.Context, collectiveID, newContactID, newRoleID, sourceMembershipID int64) (int, error) {
	cands, _, err := e.candidates(ctx, collectiveID, newContactID, newRoleID, e.resolveTypesSequential)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, c := range cands {
		exists, err := e.pairRelated(ctx, c)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		src := sourceMembershipID
		if _, err := e.store.InsertEdge(ctx, Edge{
			FromContactID:      c.fromContactID,
			ToContactID:        c.toContactID,
			RelationshipTypeID: c.typeID,
			SourceMembershipID: &src,
		}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Plan computes what Apply would create for a hypothetical membership,
// without writing. Every candidate is reported, including ones that already
// exist, so callers can show "already connected". The returned type map
// covers every type id referenced by a planned edge.
func (e *Engine) Plan(ctx context.Context, collectiveID, newContactID, newRoleID int64) ([]PlannedEdge, map[int64]RelationshipType, error) {
	cands, types, err := e.candidates(ctx, collectiveID, newContactID, newRoleID, e.resolveTypesConcurrent)
	if err != nil {
		return nil, nil, err
	}

	// Second wave: inverse type ids surfaced by candidate generation that the
	// first wave did not cover. Needed so callers can label every edge.
	var missing []int64
	for _, c := range cands {
		if _, ok := types[c.typeID]; !ok {
			missing = append(missing, c.typeID)
		}
	}
	if len(missing) > 0 {
		extra, err := e.resolveTypesConcurrent(ctx, missing)
		if err != nil {
			return nil, nil, err
		}
		for id, t := range extra {
			types[id] = t
		}
	}

	planned := make([]PlannedEdge, 0, len(cands))
	for _, c := range cands {
		exists, err := e.pairRelated(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		planned = append(planned, PlannedEdge{
			FromContactID: c.fromContactID,
			ToContactID:   c.toContactID,
			TypeID:        c.typeID,
			AlreadyExists: exists,
		})
	}
	return planned, types, nil
}

// CascadeDelete removes every edge sourced by the given membership. Edges
// with a NULL source (manually created) are never touched. Deleting an
// already-clean membership is a no-op.
func (e *Engine) CascadeDelete(ctx context.Context, membershipID int64) (int64, error) {
	return e.store.DeleteEdgesForMembership(ctx, membershipID)
}

// candidates enumerates the edges implied by the collective's rules against
// every other active member. Each (member, rule, direction) combination is
// evaluated independently; one rule's skip never blocks another's insertion
// for the same contact pair.
func (e *Engine) candidates(
	ctx context.Context,
	collectiveID, newContactID, newRoleID int64,
	resolve func(context.Context, []int64) (map[int64]RelationshipType, error),
) ([]candidate, map[int64]RelationshipType, error) {
	typeID, ok, err := e.store.CollectiveTypeID(ctx, collectiveID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, map[int64]RelationshipType{}, nil
	}

	rules, err := e.store.RulesForCollectiveType(ctx, typeID)
	if err != nil {
		return nil, nil, err
	}
	others, err := e.store.OtherActiveMembers(ctx, collectiveID, newContactID)
	if err != nil {
		return nil, nil, err
	}
	if len(rules) == 0 || len(others) == 0 {
		return nil, map[int64]RelationshipType{}, nil
	}

	var matching []Rule
	typeSet := map[int64]struct{}{}
	for _, r := range rules {
		if r.NewMemberRoleID != newRoleID {
			continue
		}
		matching = append(matching, r)
		typeSet[r.RelationshipTypeID] = struct{}{}
	}
	if len(matching) == 0 {
		return nil, map[int64]RelationshipType{}, nil
	}

	types, err := resolve(ctx, keysOf(typeSet))
	if err != nil {
		return nil, nil, err
	}

	var cands []candidate
	for _, other := range others {
		for _, rule := range matching {
			if rule.ExistingMemberRoleID != other.RoleID {
				continue
			}
			if rule.Direction == DirectionNewMember || rule.Direction == DirectionBoth {
				cands = append(cands, candidate{
					fromContactID: newContactID,
					toContactID:   other.ContactID,
					typeID:        rule.RelationshipTypeID,
				})
			}
			if rule.Direction == DirectionExistingMember || rule.Direction == DirectionBoth {
				info, ok := types[rule.RelationshipTypeID]
				if !ok {
					return nil, nil, ErrRelationshipTypeNotFound
				}
				cands = append(cands, candidate{
					fromContactID: other.ContactID,
					toContactID:   newContactID,
					typeID:        info.InverseOrSelf(),
				})
			}
		}
	}
	return cands, types, nil
}

// pairRelated reports whether the candidate pair is already linked with the
// candidate's type, in either direction. The check is one level deep: it
// never chases transitively implied relationships.
func (e *Engine) pairRelated(ctx context.Context, c candidate) (bool, error) {
	exists, err := e.store.EdgeExists(ctx, c.toContactID, c.fromContactID, c.typeID)
	if err != nil || exists {
		return exists, err
	}
	return e.store.EdgeExists(ctx, c.fromContactID, c.toContactID, c.typeID)
}

func (e *Engine) resolveTypesSequential(ctx context.Context, typeIDs []int64) (map[int64]RelationshipType, error) {
	out := make(map[int64]RelationshipType, len(typeIDs))
	for _, id := range typeIDs {
		info, err := e.store.RelationshipType(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = info
	}
	return out, nil
}

// resolveTypesConcurrent fetches each distinct type in its own goroutine.
// Only safe on read handles that allow concurrent use (the preview path);
// the transactional Apply path resolves sequentially.
func (e *Engine) resolveTypesConcurrent(ctx context.Context, typeIDs []int64) (map[int64]RelationshipType, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		out      = make(map[int64]RelationshipType, len(typeIDs))
		firstErr error
	)
	for _, id := range typeIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			info, err := e.store.RelationshipType(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out[id] = info
		}(id)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func keysOf(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
