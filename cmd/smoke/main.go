// Command smoke runs the relationship engine end to end against the
// in-memory service and verifies preview, apply and cascade agree.
package main

import (
	"context"
	"fmt"
	"log"

	"kith.org/internal/relate"
)

func main() {
	svc := relate.NewInMemory()
	svc.AddUser("smoke")

	ct := svc.AddCollectiveType("Team")
	manager := svc.AddRole(ct, "Manager")
	employee := svc.AddRole(ct, "Employee")
	svc.AddRelationshipType("reports_to", "Reports to", "professional")
	svc.AddRelationshipType("manages", "Manages", "professional")
	svc.PairInverse("reports_to", "manages")
	svc.AddRule(ct, employee, manager, "reports_to", relate.DirectionNewMember)

	team := svc.AddCollective("smoke", "Smoke Team", ct)
	boss := svc.AddContact("smoke", "Boss")
	worker := svc.AddContact("smoke", "Worker")

	ctx := context.Background()

	if _, err := svc.AddMember(ctx, "smoke", team.ExternalID, relate.AddMemberInput{
		ContactID: boss.ExternalID,
		RoleID:    manager.ExternalID,
	}); err != nil {
		log.Fatalf("add manager: %v", err)
	}

	preview, err := svc.PreviewRelationships(ctx, "smoke", team.ExternalID, relate.PreviewInput{
		ContactID: worker.ExternalID,
		RoleID:    employee.ExternalID,
	})
	if err != nil {
		log.Fatalf("preview: %v", err)
	}
	if len(preview.Relationships) != 1 || preview.Relationships[0].AlreadyExists {
		log.Fatalf("unexpected preview: %+v", preview.Relationships)
	}

	rec, err := svc.AddMember(ctx, "smoke", team.ExternalID, relate.AddMemberInput{
		ContactID: worker.ExternalID,
		RoleID:    employee.ExternalID,
	})
	if err != nil {
		log.Fatalf("add employee: %v", err)
	}
	if rec.RelationshipsCreated != len(preview.Relationships) {
		log.Fatalf("preview/apply mismatch: planned %d, created %d",
			len(preview.Relationships), rec.RelationshipsCreated)
	}

	res, err := svc.RemoveMember(ctx, "smoke", team.ExternalID, rec.MembershipID)
	if err != nil {
		log.Fatalf("remove member: %v", err)
	}
	if res.EdgesDeleted != 1 {
		log.Fatalf("expected 1 cascaded edge, got %d", res.EdgesDeleted)
	}
	if edges := svc.Edges(); len(edges) != 0 {
		log.Fatalf("expected clean slate, %d edges remain", len(edges))
	}

	fmt.Println("relationship engine smoke test passed")
}
