package handler

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/rl1809/storefront/internal/core/domain"
)

// Identity is asserted by the gateway in front of this service; these
// headers are trusted as-is.
const (
	userIDHeader   = "X-User-ID"
	userRoleHeader = "X-User-Role"
)

type actorKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

func parseActor(userID, role string) (domain.Actor, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Actor{}, false
	}

	switch r := domain.Role(strings.ToLower(strings.TrimSpace(role))); r {
	case "", domain.RoleCustomer:
		return domain.Actor{UserID: userID, Role: domain.RoleCustomer}, true
	case domain.RoleAdmin, domain.RoleSystem:
		return domain.Actor{UserID: userID, Role: r}, true
	}
	return domain.Actor{}, false
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := parseActor(r.Header.Get(userIDHeader), r.Header.Get(userRoleHeader))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "a valid X-User-ID and X-User-Role are required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFromContext(r.Context())
		if !ok || !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFromMetadata(ctx context.Context) (domain.Actor, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Actor{}, false
	}
	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
		return ""
	}
	return parseActor(first(strings.ToLower(userIDHeader)), first(strings.ToLower(userRoleHeader)))
}
