package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kith.org/internal/audit"
	"kith.org/internal/auth"
	"kith.org/internal/obs"
	"kith.org/internal/relate"
)

type patchMemberRequest struct {
	RoleID string     `json:"role_id,omitempty"`
	Action string     `json:"action,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
}

type listMembersResponse struct {
	Items []relate.MemberRecord `json:"items"`
	AsOf  time.Time             `json:"as_of"`
}

// handleCollectives dispatches /v1/collectives/{id}/members[...] requests.
func (a *API) handleCollectives(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/collectives/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	segs := strings.Split(path, "/")
	collectiveID := segs[0]
	if collectiveID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case len(segs) == 2 && segs[1] == "members":
		switch r.Method {
		case http.MethodPost:
			a.addMember(w, r, collectiveID)
		case http.MethodGet:
			a.listMembers(w, r, collectiveID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(segs) == 3 && segs[1] == "members" && segs[2] == "preview":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.previewMembership(w, r, collectiveID)
	case len(segs) == 3 && segs[1] == "members" && segs[2] != "":
		switch r.Method {
		case http.MethodDelete:
			a.removeMember(w, r, collectiveID, segs[2])
		case http.MethodPatch:
			a.patchMember(w, r, collectiveID, segs[2])
		default:
			methodNotAllowed(w, r, http.MethodDelete, http.MethodPatch)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRelationshipTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	types, err := a.svc.ListRelationshipTypes(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": types})
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request, collectiveID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
		return
	}

	var in relate.AddMemberInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.ContactID) == "" {
		writeError(w, r, http.StatusBadRequest, "contact_id is required")
		return
	}
	if strings.TrimSpace(in.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}

	rec, err := a.svc.AddMember(r.Context(), userID, collectiveID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveEdgesCreated(rec.RelationshipsCreated)
	_ = audit.LogEvent(r.Context(), "membership.add", map[string]any{
		"collective_id":         collectiveID,
		"membership_id":         rec.MembershipID,
		"contact_id":            in.ContactID,
		"role_id":               in.RoleID,
		"relationships_created": strconv.Itoa(rec.RelationshipsCreated),
	})

	w.Header().Set("Location", "/v1/collectives/"+collectiveID+"/members/"+rec.MembershipID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request, collectiveID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
		return
	}

	items, err := a.svc.ListMembers(r.Context(), userID, collectiveID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []relate.MemberRecord{}
	}
	writeJSON(w, http.StatusOK, listMembersResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request, collectiveID, membershipID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
		return
	}

	res, err := a.svc.RemoveMember(r.Context(), userID, collectiveID, membershipID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveEdgesCascadeDeleted(res.EdgesDeleted)
	_ = audit.LogEvent(r.Context(), "membership.remove", map[string]any{
		"collective_id":         collectiveID,
		"membership_id":         membershipID,
		"relationships_deleted": strconv.FormatInt(res.EdgesDeleted, 10),
	})

	writeJSON(w, http.StatusOK, res)
}

func (a *API) patchMember(w http.ResponseWriter, r *http.Request, collectiveID, membershipID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
		return
	}

	var req patchMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	action := strings.TrimSpace(strings.ToLower(req.Action))
	roleID := strings.TrimSpace(req.RoleID)
	if action != "" && roleID != "" {
		writeError(w, r, http.StatusBadRequest, "provide either action or role_id, not both")
		return
	}

	var (
		rec   relate.MemberRecord
		event string
		err   error
	)
	switch {
	case roleID != "":
		rec, err = a.svc.UpdateMemberRole(r.Context(), userID, collectiveID, membershipID, roleID)
		event = "membership.role_change"
	case action == "deactivate":
		rec, err = a.svc.DeactivateMember(r.Context(), userID, collectiveID, membershipID, relate.DeactivateInput{
			Reason: req.Reason,
			Date:   req.Date,
		})
		event = "membership.deactivate"
	case action == "reactivate":
		rec, err = a.svc.ReactivateMember(r.Context(), userID, collectiveID, membershipID)
		event = "membership.reactivate"
	default:
		writeError(w, r, http.StatusBadRequest, "action must be deactivate or reactivate, or role_id must be set")
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"collective_id": collectiveID,
		"membership_id": membershipID,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) previewMembership(w http.ResponseWriter, r *http.Request, collectiveID string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
		return
	}

	var in relate.PreviewInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.ContactID) == "" {
		writeError(w, r, http.StatusBadRequest, "contact_id is required")
		return
	}
	if strings.TrimSpace(in.RoleID) == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}

	res, err := a.svc.PreviewRelationships(r.Context(), userID, collectiveID, in)
	if err != nil {
		obs.ObservePreview("error")
		handleServiceError(w, r, err)
		return
	}

	obs.ObservePreview("ok")
	obs.ObserveEdgesSkipped(res.ExistingRelationshipsSkipped)
	writeJSON(w, http.StatusOK, res)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, relate.ErrCollectiveNotFound),
		errors.Is(err, relate.ErrContactNotFound),
		errors.Is(err, relate.ErrRoleNotFound),
		errors.Is(err, relate.ErrMembershipNotFound),
		errors.Is(err, relate.ErrRelationshipTypeNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, relate.ErrDuplicateMembership):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, relate.ErrUnknownDirection):
		writeError(w, r, http.StatusInternalServerError, "rule configuration error")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
