// Package middleware guards HTTP routes with engine decisions.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/authz"
)

// PrincipalHeader is the default source of the acting principal id.
const PrincipalHeader = "X-Principal-Id"

// PrincipalFunc extracts the acting principal from a request. ok reports
// whether the request is authenticated.
type PrincipalFunc func(r *http.Request) (int64, bool)

// ResourceFunc extracts the target resource id from a request.
type ResourceFunc func(r *http.Request) (int64, bool)

// Guard wires engine decisions into HTTP middleware. Principal defaults to
// reading PrincipalHeader, which suits service-to-service traffic behind an
// authenticating proxy; session-based hosts plug in their own extractor.
type Guard struct {
	Engine    *authz.Engine
	Logger    *slog.Logger
	Principal PrincipalFunc
}

// Require authorizes requests against one resource class at one level,
// reading the resource id from the chi "id" URL parameter. Decision
// outcomes map onto status codes: denied is 403, not found 404 and an
// evaluation failure 500; only a grant lets the request through.
func (g Guard) Require(class string, level authz.Level) func(http.Handler) http.Handler {
	return g.RequireFunc(class, level, ChiParam("id"))
}

// RequireFunc is Require with a custom resource id extractor.
func (g Guard) RequireFunc(class string, level authz.Level, resource ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := g.principal(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			resourceID, ok := resource(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			g.respond(w, r, next, g.Engine.Check(r.Context(), principalID, class, resourceID, level), class)
		})
	}
}

// RequireCreate authorizes creation of class instances through the class's
// create reference; the referenced parent id comes from the extractor.
func (g Guard) RequireCreate(class string, parent ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := g.principal(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			parentID, ok := parent(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			g.respond(w, r, next, g.Engine.CheckCreate(r.Context(), principalID, class, parentID), class)
		})
	}
}

func (g Guard) respond(w http.ResponseWriter, r *http.Request, next http.Handler, decision authz.Decision, class string) {
	switch decision.Outcome {
	case authz.OutcomeGranted:
		next.ServeHTTP(w, r)
	case authz.OutcomeNotFound:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case authz.OutcomeError:
		if g.Logger != nil {
			g.Logger.Error("authorization check failed",
				slog.String("class", class),
				slog.Any("error", decision.Err))
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	}
}

func (g Guard) principal(r *http.Request) (int64, bool) {
	if g.Principal != nil {
		return g.Principal(r)
	}
	raw := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ChiParam builds a ResourceFunc reading an integer chi URL parameter.
func ChiParam(name string) ResourceFunc {
	return func(r *http.Request) (int64, bool) {
		id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
		return id, err == nil && id > 0
	}
}
