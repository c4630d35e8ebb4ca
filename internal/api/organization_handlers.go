package api

import (
	"net/http"

	"github.com/ascendore/ascendore-crm/internal/apperr"
)

type organizationResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tier       string `json:"tier"`
	MemberRole string `json:"member_role"`
}

// HandleGetOrganization returns the organization the request is scoped to
func (s *RESTServer) HandleGetOrganization(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.Forbidden("Organization context required"))
		return
	}

	respondData(w, http.StatusOK, organizationResponse{
		ID:         session.TenantID.String(),
		Name:       session.TenantName,
		Tier:       session.Tier,
		MemberRole: string(session.Role),
	}, "")
}

// HandleAdminCheck confirms the caller holds an admin role or higher
func (s *RESTServer) HandleAdminCheck(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())
	respondData(w, http.StatusOK, map[string]interface{}{
		"organization_id": session.TenantID,
		"member_role":     session.Role,
		"admin":           true,
	}, "")
}
