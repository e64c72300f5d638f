package rbac

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

func newTestRouter(f *fixture, perms *PermissionMiddleware) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(f.service, f.engine, nil).RegisterRoutes(router, perms)
	return router
}

// do sends body as JSON; a non-nil caller is attached as the authenticated user
func do(t *testing.T, router http.Handler, method, path string, body interface{}, caller *uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req = req.WithContext(contextkeys.WithAuth(req.Context(), &auth.AuthContext{UserID: *caller}))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func TestHandlers_Decide(t *testing.T) {
	f := newFixture(t)
	analyst := f.role("Analyst", 1, nil)
	auditor := f.role("Auditor", 10, nil)
	f.policy("orders-read", analyst, nil, allowRule("orders", ActionRead))
	f.policy("orders-no-read", auditor, nil, denyRule("orders", ActionRead))
	u := f.user("u")
	f.grant(u, analyst, ApprovalApproved)
	router := newTestRouter(f, nil)

	req := Request{Principal: UserPrincipal(u), Action: ActionRead, ResourceType: "orders"}
	rec := do(t, router, http.MethodPost, "/authz/decide", req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d Decision
	decodeBody(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllow, d.Reason)

	f.grant(u, auditor, ApprovalApproved)
	rec = do(t, router, http.MethodPost, "/authz/decide", req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExplicitDeny, d.Reason)
	require.NotEmpty(t, d.MatchedBy)
	assert.Equal(t, "Auditor", d.MatchedBy[0].RoleName)

	unknown := Request{Principal: UserPrincipal(uuid.New()), Action: ActionRead, ResourceType: "orders"}
	rec = do(t, router, http.MethodPost, "/authz/decide", unknown, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &d)
	assert.Equal(t, ReasonPrincipalNotFound, d.Reason)
}

func TestHandlers_DecideValidation(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing action", Request{Principal: UserPrincipal(uuid.New()), ResourceType: "orders"}},
		{"missing resource type", Request{Principal: UserPrincipal(uuid.New()), Action: ActionRead}},
		{"bad principal kind", Request{Principal: Principal{Kind: "robot", ID: uuid.New()}, Action: ActionRead, ResourceType: "orders"}},
		{"bad client ip", Request{Principal: UserPrincipal(uuid.New()), Action: ActionRead, ResourceType: "orders", Context: RequestContext{ClientIP: "nope"}}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/authz/decide", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandlers_BatchDecide(t *testing.T) {
	f := newFixture(t)
	r := f.role("R", 1, nil)
	f.policy("p", r, nil, allowRule("orders", ActionRead))
	u := f.user("u")
	f.grant(u, r, ApprovalApproved)
	router := newTestRouter(f, nil)

	batch := map[string]interface{}{"requests": []Request{
		{Principal: UserPrincipal(u), Action: ActionRead, ResourceType: "orders"},
		{Principal: UserPrincipal(u), Action: ActionDelete, ResourceType: "orders"},
		{Principal: UserPrincipal(u), Action: ActionRead, ResourceType: "orders", ResourceID: "o-1"},
	}}
	rec := do(t, router, http.MethodPost, "/authz/decide/batch", batch, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Decisions []Decision `json:"decisions"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Decisions, 3)
	assert.True(t, resp.Decisions[0].Allowed)
	assert.False(t, resp.Decisions[1].Allowed)
	assert.True(t, resp.Decisions[2].Allowed)

	tooMany := make([]Request, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = Request{Principal: UserPrincipal(u), Action: ActionRead, ResourceType: "orders"}
	}
	rec = do(t, router, http.MethodPost, "/authz/decide/batch", map[string]interface{}{"requests": tooMany}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/authz/decide/batch", map[string]interface{}{"requests": []Request{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Roles(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, nil)

	rec := do(t, router, http.MethodPost, "/roles", map[string]interface{}{"name": "Viewer", "priority": 1}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var viewer Role
	decodeBody(t, rec, &viewer)
	assert.Equal(t, RoleTypeCustom, viewer.Type)
	assert.True(t, viewer.IsActive)

	rec = do(t, router, http.MethodPost, "/roles", map[string]interface{}{"name": "Viewer"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/roles", map[string]interface{}{"name": "Analyst", "priority": 2, "parent_role_id": viewer.ID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var analyst Role
	decodeBody(t, rec, &analyst)

	rec = do(t, router, http.MethodGet, "/roles/"+analyst.ID.String()+"/ancestors", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ancestors []Role
	decodeBody(t, rec, &ancestors)
	require.Len(t, ancestors, 1)
	assert.Equal(t, viewer.ID, ancestors[0].ID)

	// viewer cannot become a child of its own child
	rec = do(t, router, http.MethodPut, "/roles/"+viewer.ID.String(), map[string]interface{}{"name": "Viewer", "parent_role_id": analyst.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPut, "/roles/"+viewer.ID.String(), map[string]interface{}{"name": "Viewer", "priority": 3, "is_active": false}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &viewer)
	assert.Equal(t, 3, viewer.Priority)
	assert.False(t, viewer.IsActive)

	rec = do(t, router, http.MethodGet, "/roles?effective=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var effective []Role
	decodeBody(t, rec, &effective)
	require.Len(t, effective, 1)
	assert.Equal(t, "Analyst", effective[0].Name)

	rec = do(t, router, http.MethodDelete, "/roles/"+viewer.ID.String(), nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "still referenced by Analyst")

	rec = do(t, router, http.MethodDelete, "/roles/"+analyst.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodGet, "/roles/"+analyst.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/roles/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/roles?organization_id=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_GrantApproval(t *testing.T) {
	f := newFixture(t)
	admin := f.role("Admin", 100, nil)
	f.policy("all", admin, nil, allowRule(Wildcard, Wildcard))
	router := newTestRouter(f, nil)

	rec := do(t, router, http.MethodPost, "/users", map[string]interface{}{"username": "bob"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var bob User
	decodeBody(t, rec, &bob)

	rec = do(t, router, http.MethodPost, "/users/"+bob.ID.String()+"/roles", map[string]interface{}{"role_id": admin.ID}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var grant UserRole
	decodeBody(t, rec, &grant)
	assert.Equal(t, ApprovalPending, grant.ApprovalStatus)

	decide := Request{Principal: UserPrincipal(bob.ID), Action: ActionDelete, ResourceType: ResourceSettings}
	var d Decision
	decodeBody(t, do(t, router, http.MethodPost, "/authz/decide", decide, nil), &d)
	assert.False(t, d.Allowed, "pending grants confer nothing")

	rec = do(t, router, http.MethodPost, "/user-roles/"+grant.ID.String()+"/approve", map[string]string{"reason": "INC-7"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &grant)
	assert.Equal(t, ApprovalApproved, grant.ApprovalStatus)
	assert.Equal(t, "INC-7", grant.ApprovalReason)

	decodeBody(t, do(t, router, http.MethodPost, "/authz/decide", decide, nil), &d)
	assert.True(t, d.Allowed)

	rec = do(t, router, http.MethodPost, "/user-roles/"+grant.ID.String()+"/reject", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approved is terminal")

	rec = do(t, router, http.MethodPost, "/users/"+bob.ID.String()+"/roles", map[string]interface{}{"role_id": admin.ID, "is_temporary": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "temporary grants need expires_at")

	rec = do(t, router, http.MethodGet, "/authz/principals/user/"+bob.ID.String()+"/roles", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles struct {
		Roles []Role `json:"roles"`
	}
	decodeBody(t, rec, &roles)
	require.Len(t, roles.Roles, 1)
	assert.Equal(t, "Admin", roles.Roles[0].Name)

	rec = do(t, router, http.MethodGet, "/authz/principals/robot/"+bob.ID.String()+"/roles", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodDelete, "/user-roles/"+grant.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodDelete, "/user-roles/"+grant.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_GuardedRoutes(t *testing.T) {
	f := newFixture(t)
	admin := f.role("Admin", 100, nil)
	viewer := f.role("Viewer", 1, nil)
	f.policy("rbac-admin", admin, nil, allowRule(ResourceRBAC, Wildcard))
	f.policy("rbac-read", viewer, nil, allowRule(ResourceRBAC, ActionRead))

	root := f.user("root")
	f.grant(root, admin, ApprovalApproved)
	reader := f.user("reader")
	f.grant(reader, viewer, ApprovalApproved)

	router := newTestRouter(f, NewPermissionMiddleware(f.engine))

	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, "/roles", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/roles", nil, &reader).Code)
	assert.Equal(t, http.StatusForbidden,
		do(t, router, http.MethodPost, "/roles", map[string]interface{}{"name": "X"}, &reader).Code)
	assert.Equal(t, http.StatusCreated,
		do(t, router, http.MethodPost, "/roles", map[string]interface{}{"name": "X"}, &root).Code)

	// decisions are open to any caller
	req := Request{Principal: UserPrincipal(reader), Action: ActionRead, ResourceType: ResourceRBAC}
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/authz/decide", req, nil).Code)
}

func TestHandlers_ApprovalNeedsApprover(t *testing.T) {
	f := newFixture(t)
	manager := f.role("GrantManager", 50, nil)
	approver := f.role("GrantApprover", 50, nil)
	f.policy("rbac-manage", manager, nil, allowRule(ResourceRBAC, ActionManage))
	f.policy("rbac-approve", approver, nil, allowRule(ResourceRBAC, ActionApprove), allowRule(ResourceRBAC, ActionManage))
	target := f.role("Target", 1, nil)

	alice := f.user("alice") // manager
	f.grant(alice, manager, ApprovalApproved)
	carol := f.user("carol") // approver
	f.grant(carol, approver, ApprovalApproved)
	bob := f.user("bob")

	router := newTestRouter(f, NewPermissionMiddleware(f.engine))
	grantPath := "/users/" + bob.String() + "/roles"

	rec := do(t, router, http.MethodPost, grantPath, map[string]interface{}{"role_id": target.ID, "auto_approve": true}, &alice)
	assert.Equal(t, http.StatusForbidden, rec.Code, "managers cannot skip approval")

	rec = do(t, router, http.MethodPost, grantPath, map[string]interface{}{"role_id": target.ID}, &alice)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var requested UserRole
	decodeBody(t, rec, &requested)
	assert.Equal(t, alice, requested.GrantedBy)

	rec = do(t, router, http.MethodPost, "/user-roles/"+requested.ID.String()+"/approve", nil, &alice)
	assert.Equal(t, http.StatusForbidden, rec.Code, "managers cannot approve")

	rec = do(t, router, http.MethodPost, "/user-roles/"+requested.ID.String()+"/approve", nil, &carol)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// approvers may grant approved roles directly but not approve their own requests
	rec = do(t, router, http.MethodPost, grantPath, map[string]interface{}{"role_id": target.ID, "auto_approve": true}, &carol)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, grantPath, map[string]interface{}{"role_id": target.ID}, &carol)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var own UserRole
	decodeBody(t, rec, &own)
	rec = do(t, router, http.MethodPost, "/user-roles/"+own.ID.String()+"/approve", nil, &carol)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "requester")
}

func TestHandlers_Policies(t *testing.T) {
	f := newFixture(t)
	r := f.role("R", 1, nil)
	router := newTestRouter(f, nil)

	body := map[string]interface{}{
		"name":        "office",
		"is_template": true,
		"permissions": []PolicyPermissionDef{allowRule(ResourceConnection, Wildcard)},
		"conditions":  []map[string]interface{}{{"kind": "ip_range", "cidrs": []string{"10.0.0.0/8"}}},
	}
	rec := do(t, router, http.MethodPost, "/policies", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tmpl RbacPolicy
	decodeBody(t, rec, &tmpl)
	require.Len(t, tmpl.Conditions, 1)

	rec = do(t, router, http.MethodGet, "/policies?templates=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var templates []RbacPolicy
	decodeBody(t, rec, &templates)
	assert.Len(t, templates, 1)

	rec = do(t, router, http.MethodPost, "/policies/"+tmpl.ID.String()+"/instantiate", map[string]interface{}{"name": "office-eng"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst RbacPolicy
	decodeBody(t, rec, &inst)
	assert.False(t, inst.IsTemplate)
	assert.Equal(t, tmpl.Permissions, inst.Permissions)

	rec = do(t, router, http.MethodPost, "/roles/"+r.ID.String()+"/policies", map[string]interface{}{"policy_id": inst.ID}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, router, http.MethodPost, "/roles/"+r.ID.String()+"/policies", map[string]interface{}{"policy_id": inst.ID}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodDelete, "/roles/"+r.ID.String()+"/policies/"+inst.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodDelete, "/policies/"+inst.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodGet, "/policies/"+inst.ID.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
