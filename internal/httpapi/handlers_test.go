package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"kith.org/internal/auth"
	"kith.org/internal/relate"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

// teamService builds an in-memory service with a Team collective owned by
// "demo": Manager/Employee roles and a reports_to/manages rule pair.
type teamService struct {
	svc      *relate.InMemory
	team     relate.Collective
	manager  relate.Role
	employee relate.Role
	alice    relate.Contact
	bob      relate.Contact
	carol    relate.Contact
}

func newTeamService() *teamService {
	svc := relate.NewInMemory()
	svc.AddUser("demo")
	svc.AddUser("other")

	ct := svc.AddCollectiveType("Team")
	manager := svc.AddRole(ct, "Manager")
	employee := svc.AddRole(ct, "Employee")

	svc.AddRelationshipType("reports_to", "Reports to", "professional")
	svc.AddRelationshipType("manages", "Manages", "professional")
	svc.PairInverse("reports_to", "manages")
	svc.AddRule(ct, employee, manager, "reports_to", relate.DirectionNewMember)

	return &teamService{
		svc:      svc,
		team:     svc.AddCollective("demo", "Acme Team", ct),
		manager:  manager,
		employee: employee,
		alice:    svc.AddContact("demo", "Alice"),
		bob:      svc.AddContact("demo", "Bob"),
		carol:    svc.AddContact("demo", "Carol"),
	}
}

func newTestAPI(t *testing.T, svc relate.Service) *apiClient {
	t.Helper()

	t.Setenv("KITH_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	api := New(svc, ReadyProbe{}, "test")
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIMembershipFlow(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)
	token := api.obtainToken("demo", []string{"owner"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}
	membersPath := "/v1/collectives/" + fx.team.ExternalID + "/members"

	// Manager joins an empty team: no counterpart, no relationships.
	resp := api.post(membersPath, map[string]any{
		"contact_id": fx.alice.ExternalID,
		"role_id":    fx.manager.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatalf("expected Location header")
	}
	managerRec := decode[relate.MemberRecord](t, resp)
	if managerRec.RelationshipsCreated != 0 {
		t.Fatalf("expected 0 relationships, got %d", managerRec.RelationshipsCreated)
	}

	// Employee joins: reports_to edge toward the manager.
	resp = api.post(membersPath, map[string]any{
		"contact_id": fx.bob.ExternalID,
		"role_id":    fx.employee.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	employeeRec := decode[relate.MemberRecord](t, resp)
	if employeeRec.RelationshipsCreated != 1 {
		t.Fatalf("expected 1 relationship, got %d", employeeRec.RelationshipsCreated)
	}

	// Duplicate active membership is a conflict.
	resp = api.post(membersPath, map[string]any{
		"contact_id": fx.bob.ExternalID,
		"role_id":    fx.employee.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Preview a third member without mutating anything.
	resp = api.post(membersPath+"/preview", map[string]any{
		"contact_id": fx.carol.ExternalID,
		"role_id":    fx.employee.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected preview status: %d", resp.StatusCode)
	}
	preview := decode[relate.PreviewResult](t, resp)
	if len(preview.Relationships) != 1 {
		t.Fatalf("expected 1 planned relationship, got %d", len(preview.Relationships))
	}
	if preview.Relationships[0].AlreadyExists {
		t.Fatalf("planned edge should not exist yet")
	}

	// The preview left no membership behind.
	resp = api.get(membersPath, nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status: %d", resp.StatusCode)
	}
	list := decode[listMembersResponse](t, resp)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 members, got %d", len(list.Items))
	}

	// Role change does not touch relationships.
	resp = api.do(http.MethodPatch, membersPath+"/"+employeeRec.MembershipID, map[string]any{
		"role_id": fx.manager.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	patched := decode[relate.MemberRecord](t, resp)
	if patched.Role.Label != "Manager" {
		t.Fatalf("unexpected role after patch: %s", patched.Role.Label)
	}

	// Deactivate, then reactivate.
	resp = api.do(http.MethodPatch, membersPath+"/"+employeeRec.MembershipID, map[string]any{
		"action": "deactivate",
		"reason": "sabbatical",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected deactivate status: %d", resp.StatusCode)
	}
	deactivated := decode[relate.MemberRecord](t, resp)
	if deactivated.IsActive {
		t.Fatalf("expected inactive member")
	}
	if deactivated.InactiveReason != "sabbatical" {
		t.Fatalf("unexpected inactive reason: %s", deactivated.InactiveReason)
	}

	resp = api.do(http.MethodPatch, membersPath+"/"+employeeRec.MembershipID, map[string]any{
		"action": "reactivate",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected reactivate status: %d", resp.StatusCode)
	}
	reactivated := decode[relate.MemberRecord](t, resp)
	if !reactivated.IsActive {
		t.Fatalf("expected active member after reactivate")
	}

	// Remove the member: the derived edge goes with the membership.
	resp = api.do(http.MethodDelete, membersPath+"/"+employeeRec.MembershipID, nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected delete status: %d", resp.StatusCode)
	}
	removed := decode[relate.RemoveResult](t, resp)
	if removed.EdgesDeleted != 1 {
		t.Fatalf("expected 1 deleted relationship, got %d", removed.EdgesDeleted)
	}
	if edges := fx.svc.Edges(); len(edges) != 0 {
		t.Fatalf("expected no edges left, got %d", len(edges))
	}
}

func TestAPIOwnershipScoping(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)
	token := api.obtainToken("other", []string{"owner"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	// A foreign collective resolves as not found, not forbidden.
	resp := api.get("/v1/collectives/"+fx.team.ExternalID+"/members", nil, authHeader)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPIValidation(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)
	token := api.obtainToken("demo", []string{"owner"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}
	membersPath := "/v1/collectives/" + fx.team.ExternalID + "/members"

	// Missing contact id.
	resp := api.post(membersPath, map[string]any{"role_id": fx.employee.ExternalID}, authHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown JSON fields are rejected.
	resp = api.post(membersPath, map[string]any{
		"contact_id": fx.bob.ExternalID,
		"role_id":    fx.employee.ExternalID,
		"bogus":      true,
	}, authHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Patch needs either action or role_id, not both.
	resp = api.post(membersPath, map[string]any{
		"contact_id": fx.bob.ExternalID,
		"role_id":    fx.employee.ExternalID,
	}, authHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	rec := decode[relate.MemberRecord](t, resp)

	resp = api.do(http.MethodPatch, membersPath+"/"+rec.MembershipID, map[string]any{
		"role_id": fx.manager.ExternalID,
		"action":  "deactivate",
	}, authHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for ambiguous patch, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIRelationshipTypes(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)
	token := api.obtainToken("demo", []string{"owner"})
	authHeader := map[string]string{"Authorization": "Bearer " + token}

	resp := api.get("/v1/relationship-types", nil, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	payload := decode[map[string][]relate.RelationshipType](t, resp)
	if len(payload["items"]) != 2 {
		t.Fatalf("expected 2 relationship types, got %d", len(payload["items"]))
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)

	resp := api.post("/v1/collectives/"+fx.team.ExternalID+"/members", map[string]any{
		"contact_id": fx.bob.ExternalID,
		"role_id":    fx.employee.ExternalID,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	fx := newTeamService()
	api := newTestAPI(t, fx.svc)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
