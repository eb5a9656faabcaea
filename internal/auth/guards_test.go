package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/repository"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serveAs(h http.Handler, path string, id *appctx.Identity) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if id != nil {
		req = req.WithContext(appctx.WithIdentity(req.Context(), *id))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(repository.RoleUser, PermissionSessionsReadOwn))
	assert.False(t, HasPermission(repository.RoleUser, PermissionSessionsReadAny))
	assert.True(t, HasPermission(repository.RoleModerator, PermissionSessionsReadAny))
	assert.False(t, HasPermission(repository.RoleModerator, PermissionSessionsRevokeAny))
	assert.True(t, HasPermission(repository.RoleAdmin, PermissionSessionsRevokeAny))
	assert.False(t, HasPermission("guest", PermissionSessionsReadOwn))
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(repository.RoleAdmin, repository.RoleModerator)(noContent)

	assert.Equal(t, http.StatusUnauthorized, serveAs(h, "/", nil))
	assert.Equal(t, http.StatusForbidden, serveAs(h, "/", &appctx.Identity{AccountID: "a", Role: repository.RoleUser}))
	assert.Equal(t, http.StatusNoContent, serveAs(h, "/", &appctx.Identity{AccountID: "a", Role: repository.RoleModerator}))
	assert.Equal(t, http.StatusNoContent, serveAs(h, "/", &appctx.Identity{AccountID: "a", Role: repository.RoleAdmin}))
}

func TestRequirePermission(t *testing.T) {
	h := RequirePermission(PermissionSessionsRevokeAny)(noContent)

	assert.Equal(t, http.StatusForbidden, serveAs(h, "/", &appctx.Identity{AccountID: "a", Role: repository.RoleModerator}))
	assert.Equal(t, http.StatusNoContent, serveAs(h, "/", &appctx.Identity{AccountID: "a", Role: repository.RoleAdmin}))
}

func TestRequireOwnerOrAdmin(t *testing.T) {
	r := chi.NewRouter()
	r.With(RequireOwnerOrAdmin("accountId")).Get("/accounts/{accountId}", noContent)

	owner := &appctx.Identity{AccountID: "acc-1", Role: repository.RoleUser}
	stranger := &appctx.Identity{AccountID: "acc-2", Role: repository.RoleModerator}
	admin := &appctx.Identity{AccountID: "acc-3", Role: repository.RoleAdmin}

	assert.Equal(t, http.StatusNoContent, serveAs(r, "/accounts/acc-1", owner))
	assert.Equal(t, http.StatusForbidden, serveAs(r, "/accounts/acc-1", stranger))
	assert.Equal(t, http.StatusNoContent, serveAs(r, "/accounts/acc-1", admin))
	assert.Equal(t, http.StatusUnauthorized, serveAs(r, "/accounts/acc-1", nil))
}
