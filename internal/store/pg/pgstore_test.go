package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"kith.org/internal/relate"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func expectCollective(mock sqlmock.Sqlmock, id, typeID int64) {
	mock.ExpectQuery("select c.id, c.external_id, c.name, c.collective_type_id").
		WithArgs("col-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "name", "collective_type_id"}).
			AddRow(id, "col-1", "Platform Team", typeID))
}

func TestAddMemberRunsEngineInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCollective(mock, 10, 1)
	mock.ExpectQuery("select c.id, c.external_id, c.display_name").
		WithArgs("contact-e", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "display_name", "photo_url"}).
			AddRow(20, "contact-e", "Elio", ""))
	mock.ExpectQuery("select id, external_id, label, sort_order").
		WithArgs("role-emp", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "label", "sort_order"}).
			AddRow(30, "role-emp", "Employee", 2))
	mock.ExpectQuery("select exists").
		WithArgs(int64(10), int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("insert into memberships").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))

	// Engine: resolve type, load rules and other members, check, insert.
	mock.ExpectQuery("select ct.id").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("from collective_type_rules").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"collective_type_id", "new_member_role_id", "existing_member_role_id", "relationship_type_id", "direction"}).
			AddRow(1, 30, 31, 40, "new_member"))
	mock.ExpectQuery("select m.contact_id, m.role_id").
		WithArgs(int64(10), int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"contact_id", "role_id", "display_name", "photo_url"}).
			AddRow(21, 31, "Marta", ""))
	mock.ExpectQuery("from relationship_types").
		WithArgs(int64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "label", "category", "inverse_type_id"}).
			AddRow(40, "reports_to", "Reports to", "work", nil))
	mock.ExpectQuery("select exists").
		WithArgs(int64(21), int64(20), int64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select exists").
		WithArgs(int64(20), int64(21), int64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("insert into relationships").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(500))

	mock.ExpectQuery("from memberships m").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{
			"external_id", "contact_external_id", "display_name", "photo_url",
			"role_external_id", "label", "is_active", "inactive_reason", "inactive_date",
			"joined_date", "notes", "created_at", "updated_at",
		}).AddRow("mem-1", "contact-e", "Elio", "", "role-emp", "Employee", true, "", nil, nil, "", time.Now(), time.Now()))
	mock.ExpectCommit()

	rec, err := s.AddMember(context.Background(), "user-1", "col-1", relate.AddMemberInput{
		ContactID: "contact-e",
		RoleID:    "role-emp",
	})
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if rec.RelationshipsCreated != 1 {
		t.Fatalf("expected 1 relationship created, got %d", rec.RelationshipsCreated)
	}
	if rec.MembershipID != "mem-1" || rec.Role.Label != "Employee" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMemberRejectsDuplicateActiveMembership(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCollective(mock, 10, 1)
	mock.ExpectQuery("select c.id, c.external_id, c.display_name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "display_name", "photo_url"}).
			AddRow(20, "contact-e", "Elio", ""))
	mock.ExpectQuery("select id, external_id, label, sort_order").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "label", "sort_order"}).
			AddRow(30, "role-emp", "Employee", 2))
	mock.ExpectQuery("select exists").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.AddMember(context.Background(), "user-1", "col-1", relate.AddMemberInput{
		ContactID: "contact-e",
		RoleID:    "role-emp",
	})
	if !errors.Is(err, relate.ErrDuplicateMembership) {
		t.Fatalf("expected ErrDuplicateMembership, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAddMemberUnknownCollective(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select c.id, c.external_id, c.name, c.collective_type_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "name", "collective_type_id"}))
	mock.ExpectRollback()

	_, err := s.AddMember(context.Background(), "user-1", "col-1", relate.AddMemberInput{
		ContactID: "contact-e",
		RoleID:    "role-emp",
	})
	if !errors.Is(err, relate.ErrCollectiveNotFound) {
		t.Fatalf("expected ErrCollectiveNotFound, got %v", err)
	}
}

func TestRemoveMemberDeletesOnlySourcedEdges(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectCollective(mock, 10, 1)
	mock.ExpectQuery("from memberships").
		WithArgs("mem-1", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "collective_id", "contact_id", "role_id", "is_active"}).
			AddRow(100, "mem-1", 10, 20, 30, true))
	mock.ExpectExec("delete from relationships where source_membership_id").
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from memberships").
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.RemoveMember(context.Background(), "user-1", "col-1", "mem-1")
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if res.EdgesDeleted != 2 {
		t.Fatalf("expected 2 cascade-deleted edges, got %d", res.EdgesDeleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRulesRejectUnknownDirectionAtLoadTime(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from collective_type_rules").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"collective_type_id", "new_member_role_id", "existing_member_role_id", "relationship_type_id", "direction"}).
			AddRow(1, 30, 31, 40, "sideways"))

	st := &engineStore{q: s.db}
	_, err := st.RulesForCollectiveType(context.Background(), 1)
	if !errors.Is(err, relate.ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}
