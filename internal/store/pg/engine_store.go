package pg

import (
	"context"
	"database/sql"
	"errors"

	"kith.org/internal/relate"
)

// engineStore adapts a database/sql handle to relate.EngineStore. Inside
// AddMember/RemoveMember the handle is the enclosing transaction; for
// previews it is the read-only pool.
type engineStore struct {
	q querier
}

var _ relate.EngineStore = (*engineStore)(nil)

func (st *engineStore) CollectiveTypeID(ctx context.Context, collectiveID int64) (int64, bool, error) {
	var typeID int64
	err := st.q.QueryRowContext(ctx, `
		select ct.id
		from collectives c
		join collective_types ct on ct.id = c.collective_type_id
		where c.id=$1
	`, collectiveID).Scan(&typeID)
	if errors.Is(err, sql.ErrNoRows) {
		// Absence of a type means "no rules apply", not a failure.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return typeID, true, nil
}

func (st *engineStore) RulesForCollectiveType(ctx context.Context, collectiveTypeID int64) ([]relate.Rule, error) {
	rows, err := st.q.QueryContext(ctx, `
		select collective_type_id, new_member_role_id, existing_member_role_id,
		       relationship_type_id, direction
		from collective_type_rules
		where collective_type_id=$1
		order by id asc
	`, collectiveTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relate.Rule
	for rows.Next() {
		var r relate.Rule
		var direction string
		if err := rows.Scan(&r.CollectiveTypeID, &r.NewMemberRoleID, &r.ExistingMemberRoleID,
			&r.RelationshipTypeID, &direction); err != nil {
			return nil, err
		}
		// Unknown direction strings are rejected here, at load time.
		if r.Direction, err = relate.ParseDirection(direction); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (st *engineStore) OtherActiveMembers(ctx context.Context, collectiveID, excludeContactID int64) ([]relate.MemberRef, error) {
	rows, err := st.q.QueryContext(ctx, `
		select m.contact_id, m.role_id, c.display_name, coalesce(c.photo_url,'')
		from memberships m
		join contacts c on c.id = m.contact_id
		where m.collective_id=$1 and m.is_active and m.contact_id <> $2
		order by m.contact_id asc
	`, collectiveID, excludeContactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relate.MemberRef
	for rows.Next() {
		var ref relate.MemberRef
		if err := rows.Scan(&ref.ContactID, &ref.RoleID, &ref.DisplayName, &ref.PhotoURL); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (st *engineStore) RelationshipType(ctx context.Context, typeID int64) (relate.RelationshipType, error) {
	var t relate.RelationshipType
	var inverse sql.NullInt64
	err := st.q.QueryRowContext(ctx, `
		select id, key, label, category, inverse_type_id from relationship_types where id=$1
	`, typeID).Scan(&t.ID, &t.Key, &t.Label, &t.Category, &inverse)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.RelationshipType{}, relate.ErrRelationshipTypeNotFound
	}
	if err != nil {
		return relate.RelationshipType{}, err
	}
	if inverse.Valid {
		v := inverse.Int64
		t.InverseTypeID = &v
	}
	return t, nil
}

func (st *engineStore) EdgeExists(ctx context.Context, fromContactID, toContactID, typeID int64) (bool, error) {
	var exists bool
	err := st.q.QueryRowContext(ctx, `
		select exists(
			select 1 from relationships
			where from_contact_id=$1 and to_contact_id=$2 and relationship_type_id=$3
		)
	`, fromContactID, toContactID, typeID).Scan(&exists)
	return exists, err
}

func (st *engineStore) InsertEdge(ctx context.Context, e relate.Edge) (int64, error) {
	var id int64
	err := st.q.QueryRowContext(ctx, `
		insert into relationships(from_contact_id, to_contact_id, relationship_type_id, source_membership_id)
		values ($1,$2,$3,$4)
		returning id
	`, e.FromContactID, e.ToContactID, e.RelationshipTypeID, e.SourceMembershipID).Scan(&id)
	return id, err
}

func (st *engineStore) DeleteEdgesForMembership(ctx context.Context, membershipID int64) (int64, error) {
	res, err := st.q.ExecContext(ctx, `
		delete from relationships where source_membership_id=$1
	`, membershipID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
