package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/welldanyogia/authgate/internal/apperror"
	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/repository"
)

// Permission names an action a role may perform
type Permission string

const (
	PermissionSessionsReadOwn   Permission = "sessions:read:own"
	PermissionSessionsRevokeOwn Permission = "sessions:revoke:own"
	PermissionSessionsReadAny   Permission = "sessions:read:any"
	PermissionSessionsRevokeAny Permission = "sessions:revoke:any"
	PermissionTwoFactorManage   Permission = "2fa:manage"
)

var rolePermissions = map[string]map[Permission]bool{
	repository.RoleUser: {
		PermissionSessionsReadOwn:   true,
		PermissionSessionsRevokeOwn: true,
		PermissionTwoFactorManage:   true,
	},
	repository.RoleModerator: {
		PermissionSessionsReadOwn:   true,
		PermissionSessionsRevokeOwn: true,
		PermissionTwoFactorManage:   true,
		PermissionSessionsReadAny:   true,
	},
	repository.RoleAdmin: {
		PermissionSessionsReadOwn:   true,
		PermissionSessionsRevokeOwn: true,
		PermissionTwoFactorManage:   true,
		PermissionSessionsReadAny:   true,
		PermissionSessionsRevokeAny: true,
	},
}

// HasPermission reports whether role grants p. Unknown roles grant nothing.
func HasPermission(role string, p Permission) bool {
	return rolePermissions[role][p]
}

// RequireRole allows the request only when the identity has one of roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return guard(func(r *http.Request, id appctx.Identity) bool {
		return allowed[id.Role]
	})
}

// RequirePermission allows the request only when the identity's role grants p
func RequirePermission(p Permission) func(http.Handler) http.Handler {
	return guard(func(r *http.Request, id appctx.Identity) bool {
		return HasPermission(id.Role, p)
	})
}

// RequireOwnerOrAdmin allows the request when the URL parameter param names
// the caller's own account, or when the caller is an admin.
func RequireOwnerOrAdmin(param string) func(http.Handler) http.Handler {
	return guard(func(r *http.Request, id appctx.Identity) bool {
		if id.Role == repository.RoleAdmin {
			return true
		}
		owner := chi.URLParam(r, param)
		return owner != "" && owner == id.AccountID
	})
}

func guard(allow func(r *http.Request, id appctx.Identity) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := appctx.ExtractIdentity(r.Context())
			if !ok {
				apperror.Write(w, apperror.Unauthorized(apperror.CodeAuthTokenMissing, "Authentication required"), false)
				return
			}
			if !allow(r, id) {
				apperror.Write(w, apperror.Forbidden(apperror.CodeForbidden, "You do not have permission to perform this action"), false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
