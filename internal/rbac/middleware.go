package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// Authorizer resolves effective permissions. *Service satisfies it.
type Authorizer interface {
	EffectivePermissions(ctx context.Context, userID uuid.UUID) (PermissionSet, error)
}

type userContextKey struct{}

// ContextWithUser stores the authenticated user for Middleware.
func ContextWithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext returns the user stored by ContextWithUser.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userContextKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// Middleware wires authorization helpers for HTTP handlers of a host
// application. The host authenticates the request and stores the user with
// ContextWithUser, or supplies its own CurrentUser.
type Middleware struct {
	Service     Authorizer
	Logger      *slog.Logger
	CurrentUser func(*http.Request) (uuid.UUID, bool)
}

// RequireAny admits the request when the user holds at least one of keys.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return m.guard("require_any", keys, func(granted PermissionSet, want []string) bool {
		return slices.ContainsFunc(want, granted.Has)
	})
}

// RequireAll admits the request only when the user holds every key.
func (m Middleware) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return m.guard("require_all", keys, func(granted PermissionSet, want []string) bool {
		return !slices.ContainsFunc(want, func(k string) bool { return !granted.Has(k) })
	})
}

// guard denies with 403 for anonymous or unknown users and 500 when the
// lookup fails. The response never says which key was missing.
func (m Middleware) guard(mode string, keys []string, admit func(PermissionSet, []string) bool) func(http.Handler) http.Handler {
	want := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" && !slices.Contains(want, k) {
			want = append(want, k)
		}
	}
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.userID(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			granted, err := m.Service.EffectivePermissions(r.Context(), userID)
			switch {
			case errors.Is(err, ErrNotFound):
				httpx.RespondError(w, httpx.ErrForbidden)
			case err != nil:
				m.logger().Error("permission guard",
					slog.String("mode", mode),
					slog.String("user_id", userID.String()),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			case admit(granted, want):
				next.ServeHTTP(w, r)
			default:
				httpx.RespondError(w, httpx.ErrForbidden)
			}
		})
	}
}

func (m Middleware) userID(r *http.Request) (uuid.UUID, bool) {
	if m.CurrentUser != nil {
		return m.CurrentUser(r)
	}
	return UserFromContext(r.Context())
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
