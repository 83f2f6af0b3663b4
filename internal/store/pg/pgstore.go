package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kith.org/internal/ids"
	"kith.org/internal/relate"
)

const uniqueViolation = "23505"

// Store implements relate.Service on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ relate.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests, shared pools).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// lookups can run inside or outside the membership transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) AddMember(ctx context.Context, userID, collectiveID string, in relate.AddMemberInput) (relate.MemberRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	col, err := collectiveFor(ctx, tx, userID, collectiveID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	contact, err := contactFor(ctx, tx, userID, in.ContactID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	role, err := roleFor(ctx, tx, col.CollectiveTypeID, in.RoleID)
	if err != nil {
		return relate.MemberRecord{}, err
	}

	// Pre-check inside the transaction; the partial unique index on
	// (collective_id, contact_id) where is_active backstops the race.
	var dup bool
	if err := tx.QueryRowContext(ctx, `
		select exists(select 1 from memberships where collective_id=$1 and contact_id=$2 and is_active)
	`, col.ID, contact.ID).Scan(&dup); err != nil {
		return relate.MemberRecord{}, err
	}
	if dup {
		return relate.MemberRecord{}, relate.ErrDuplicateMembership
	}

	var membershipID int64
	err = tx.QueryRowContext(ctx, `
		insert into memberships(external_id, collective_id, contact_id, role_id, is_active, joined_date, notes)
		values ($1,$2,$3,$4,true,$5,nullif($6,''))
		returning id
	`, ids.New(), col.ID, contact.ID, role.ID, in.JoinedDate, in.Notes).Scan(&membershipID)
	if err != nil {
		return relate.MemberRecord{}, mapUniqueViolation(err)
	}

	created := 0
	if !in.SkipAutoRelationships {
		engine := relate.NewEngine(&engineStore{q: tx})
		created, err = engine.Apply(ctx, col.ID, contact.ID, role.ID, membershipID)
		if err != nil {
			return relate.MemberRecord{}, err
		}
	}

	rec, err := memberRecord(ctx, tx, membershipID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return relate.MemberRecord{}, err
	}
	rec.RelationshipsCreated = created
	return rec, nil
}

func (s *Store) RemoveMember(ctx context.Context, userID, collectiveID, membershipID string) (relate.RemoveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return relate.RemoveResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	col, err := collectiveFor(ctx, tx, userID, collectiveID)
	if err != nil {
		return relate.RemoveResult{}, err
	}
	m, err := membershipFor(ctx, tx, col.ID, membershipID)
	if err != nil {
		return relate.RemoveResult{}, err
	}

	// Sourced edges go first, then the membership row, all in one transaction.
	engine := relate.NewEngine(&engineStore{q: tx})
	deleted, err := engine.CascadeDelete(ctx, m.ID)
	if err != nil {
		return relate.RemoveResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from memberships where id=$1`, m.ID); err != nil {
		return relate.RemoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return relate.RemoveResult{}, err
	}
	return relate.RemoveResult{EdgesDeleted: deleted}, nil
}

func (s *Store) UpdateMemberRole(ctx context.Context, userID, collectiveID, membershipID, roleID string) (relate.MemberRecord, error) {
	col, err := collectiveFor(ctx, s.db, userID, collectiveID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	m, err := membershipFor(ctx, s.db, col.ID, membershipID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	role, err := roleFor(ctx, s.db, col.CollectiveTypeID, roleID)
	if err != nil {
		return relate.MemberRecord{}, err
	}

	// Role changes do not retroactively rewire existing relationships.
	if _, err := s.db.ExecContext(ctx, `
		update memberships set role_id=$2, updated_at=now() where id=$1
	`, m.ID, role.ID); err != nil {
		return relate.MemberRecord{}, err
	}
	return memberRecord(ctx, s.db, m.ID)
}

func (s *Store) DeactivateMember(ctx context.Context, userID, collectiveID, membershipID string, in relate.DeactivateInput) (relate.MemberRecord, error) {
	col, err := collectiveFor(ctx, s.db, userID, collectiveID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	m, err := membershipFor(ctx, s.db, col.ID, membershipID)
	if err != nil {
		return relate.MemberRecord{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		update memberships
		set is_active=false,
		    inactive_reason=nullif($2,''),
		    inactive_date=coalesce($3, now()),
		    updated_at=now()
		where id=$1
	`, m.ID, in.Reason, in.Date); err != nil {
		return relate.MemberRecord{}, err
	}
	return memberRecord(ctx, s.db, m.ID)
}

func (s *Store) ReactivateMember(ctx context.Context, userID, collectiveID, membershipID string) (relate.MemberRecord, error) {
	col, err := collectiveFor(ctx, s.db, userID, collectiveID)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	m, err := membershipFor(ctx, s.db, col.ID, membershipID)
	if err != nil {
		return relate.MemberRecord{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		update memberships
		set is_active=true, inactive_reason=null, inactive_date=null, updated_at=now()
		where id=$1
	`, m.ID)
	if err != nil {
		// The partial unique index rejects a second active membership for
		// the same (collective, contact) pair.
		return relate.MemberRecord{}, mapUniqueViolation(err)
	}
	return memberRecord(ctx, s.db, m.ID)
}

func (s *Store) ListMembers(ctx context.Context, userID, collectiveID string) ([]relate.MemberRecord, error) {
	col, err := collectiveFor(ctx, s.db, userID, collectiveID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, memberRecordSelect+`
		where m.collective_id=$1
		order by m.created_at asc
	`, col.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relate.MemberRecord
	for rows.Next() {
		rec, err := scanMemberRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PreviewRelationships(ctx context.Context, userID, collectiveID string, in relate.PreviewInput) (relate.PreviewResult, error) {
	col, err := collectiveFor(ctx, s.db, userID, collectiveID)
	if err != nil {
		return relate.PreviewResult{}, err
	}
	contact, err := contactFor(ctx, s.db, userID, in.ContactID)
	if err != nil {
		return relate.PreviewResult{}, err
	}
	role, err := roleFor(ctx, s.db, col.CollectiveTypeID, in.RoleID)
	if err != nil {
		return relate.PreviewResult{}, err
	}
	var dup bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from memberships where collective_id=$1 and contact_id=$2 and is_active)
	`, col.ID, contact.ID).Scan(&dup); err != nil {
		return relate.PreviewResult{}, err
	}
	if dup {
		return relate.PreviewResult{}, relate.ErrDuplicateMembership
	}

	// Read-only: the pool handle allows the engine's concurrent type lookups.
	engine := relate.NewEngine(&engineStore{q: s.db})
	planned, types, err := engine.Plan(ctx, col.ID, contact.ID, role.ID)
	if err != nil {
		return relate.PreviewResult{}, err
	}

	refs := map[int64]relate.ContactRef{
		contact.ID: {ID: contact.ExternalID, DisplayName: contact.DisplayName, PhotoURL: contact.PhotoURL},
	}
	res := relate.PreviewResult{
		NewContact:    refs[contact.ID],
		Role:          relate.RoleRef{ID: role.ExternalID, Label: role.Label},
		Relationships: make([]relate.PreviewItem, 0, len(planned)),
	}
	for _, p := range planned {
		for _, id := range []int64{p.FromContactID, p.ToContactID} {
			if _, ok := refs[id]; ok {
				continue
			}
			ref, err := contactRefByID(ctx, s.db, id)
			if err != nil {
				return relate.PreviewResult{}, err
			}
			refs[id] = ref
		}
		item := relate.PreviewItem{
			FromContact:      refs[p.FromContactID],
			ToContact:        refs[p.ToContactID],
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

func (s *Store) ListRelationshipTypes(ctx context.Context) ([]relate.RelationshipType, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key, label, category, inverse_type_id from relationship_types order by id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relate.RelationshipType
	for rows.Next() {
		var t relate.RelationshipType
		var inverse sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Key, &t.Label, &t.Category, &inverse); err != nil {
			return nil, err
		}
		if inverse.Valid {
			v := inverse.Int64
			t.InverseTypeID = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Lookups -------------------------------------------------------------------

func collectiveFor(ctx context.Context, q querier, userID, ext string) (relate.Collective, error) {
	var col relate.Collective
	err := q.QueryRowContext(ctx, `
		select c.id, c.external_id, c.name, c.collective_type_id
		from collectives c
		join users u on u.id = c.user_id
		where c.external_id=$1 and u.external_id=$2
	`, ext, userID).Scan(&col.ID, &col.ExternalID, &col.Name, &col.CollectiveTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.Collective{}, relate.ErrCollectiveNotFound
	}
	if err != nil {
		return relate.Collective{}, err
	}
	return col, nil
}

func contactFor(ctx context.Context, q querier, userID, ext string) (relate.Contact, error) {
	var c relate.Contact
	err := q.QueryRowContext(ctx, `
		select c.id, c.external_id, c.display_name, coalesce(c.photo_url,'')
		from contacts c
		join users u on u.id = c.user_id
		where c.external_id=$1 and u.external_id=$2
	`, ext, userID).Scan(&c.ID, &c.ExternalID, &c.DisplayName, &c.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.Contact{}, relate.ErrContactNotFound
	}
	if err != nil {
		return relate.Contact{}, err
	}
	return c, nil
}

func roleFor(ctx context.Context, q querier, collectiveTypeID int64, ext string) (relate.Role, error) {
	var r relate.Role
	err := q.QueryRowContext(ctx, `
		select id, external_id, label, sort_order
		from roles
		where external_id=$1 and collective_type_id=$2
	`, ext, collectiveTypeID).Scan(&r.ID, &r.ExternalID, &r.Label, &r.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.Role{}, relate.ErrRoleNotFound
	}
	if err != nil {
		return relate.Role{}, err
	}
	return r, nil
}

func membershipFor(ctx context.Context, q querier, collectiveID int64, ext string) (relate.Membership, error) {
	var m relate.Membership
	err := q.QueryRowContext(ctx, `
		select id, external_id, collective_id, contact_id, role_id, is_active
		from memberships
		where external_id=$1 and collective_id=$2
	`, ext, collectiveID).Scan(&m.ID, &m.ExternalID, &m.CollectiveID, &m.ContactID, &m.RoleID, &m.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.Membership{}, relate.ErrMembershipNotFound
	}
	if err != nil {
		return relate.Membership{}, err
	}
	return m, nil
}

func contactRefByID(ctx context.Context, q querier, id int64) (relate.ContactRef, error) {
	var ref relate.ContactRef
	err := q.QueryRowContext(ctx, `
		select external_id, display_name, coalesce(photo_url,'') from contacts where id=$1
	`, id).Scan(&ref.ID, &ref.DisplayName, &ref.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.ContactRef{}, relate.ErrContactNotFound
	}
	return ref, err
}

const memberRecordSelect = `
	select m.external_id, c.external_id, c.display_name, coalesce(c.photo_url,''),
	       r.external_id, r.label,
	       m.is_active, coalesce(m.inactive_reason,''), m.inactive_date,
	       m.joined_date, coalesce(m.notes,''), m.created_at, m.updated_at
	from memberships m
	join contacts c on c.id = m.contact_id
	join roles r on r.id = m.role_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemberRecord(row rowScanner) (relate.MemberRecord, error) {
	var rec relate.MemberRecord
	var inactiveDate, joinedDate sql.NullTime
	err := row.Scan(
		&rec.MembershipID,
		&rec.Contact.ID, &rec.Contact.DisplayName, &rec.Contact.PhotoURL,
		&rec.Role.ID, &rec.Role.Label,
		&rec.IsActive, &rec.InactiveReason, &inactiveDate,
		&joinedDate, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return relate.MemberRecord{}, err
	}
	if inactiveDate.Valid {
		rec.InactiveDate = &inactiveDate.Time
	}
	if joinedDate.Valid {
		rec.JoinedDate = &joinedDate.Time
	}
	return rec, nil
}

func memberRecord(ctx context.Context, q querier, membershipID int64) (relate.MemberRecord, error) {
	row := q.QueryRowContext(ctx, memberRecordSelect+` where m.id=$1`, membershipID)
	rec, err := scanMemberRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relate.MemberRecord{}, relate.ErrMembershipNotFound
	}
	return rec, err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return relate.ErrDuplicateMembership
	}
	return err
}
