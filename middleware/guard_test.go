package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz"
)

type fakeStore struct {
	resources map[string]map[int64]authz.Resource
	grants    map[string]map[int64][]authz.Grant
	err       error
}

func (s *fakeStore) FetchResource(_ context.Context, class *authz.ResourceClass, id int64) (authz.Resource, error) {
	if s.err != nil {
		return authz.Resource{}, s.err
	}
	res, ok := s.resources[class.Name][id]
	if !ok {
		return authz.Resource{}, authz.ErrResourceNotFound
	}
	return res, nil
}

func (s *fakeStore) FetchAllRoles(context.Context) ([]authz.Role, error) { return nil, nil }

func (s *fakeStore) FetchDirectRole(context.Context, int64, *int64) (int64, bool, error) {
	return 0, false, nil
}

func (s *fakeStore) FetchMemberships(context.Context, int64) ([]authz.Membership, error) {
	return nil, nil
}

func (s *fakeStore) FetchTeamParent(context.Context, int64) (*int64, error) { return nil, nil }

func (s *fakeStore) FetchChildTeams(context.Context, int64) ([]int64, error) { return nil, nil }

func (s *fakeStore) FetchGrants(_ context.Context, class *authz.ResourceClass, id int64) ([]authz.Grant, error) {
	return s.grants[class.Name][id], nil
}

func (s *fakeStore) FetchReference(context.Context, *authz.ResourceClass, int64, string) (int64, bool, error) {
	return 0, false, nil
}

func newTestEngine(t *testing.T, store authz.Store) *authz.Engine {
	t.Helper()
	registry, err := authz.NewRegistry(
		&authz.ResourceClass{Name: "documents"},
		&authz.ResourceClass{Name: "folders"},
		&authz.ResourceClass{
			Name:      "attachments",
			CreateRef: &authz.Reference{Column: "folder_id", Class: "folders"},
		},
	)
	require.NoError(t, err)
	eng, err := authz.New(authz.Config{RootID: 1, SystemID: 2, TemplateID: 3}, store, registry)
	require.NoError(t, err)
	return eng
}

func newRouter(eng *authz.Engine) *chi.Mux {
	guard := Guard{Engine: eng}
	router := chi.NewRouter()
	router.With(guard.Require("documents", authz.LevelView)).
		Get("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	router.With(guard.RequireCreate("attachments", ChiParam("id"))).
		Post("/folders/{id}/attachments", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	return router
}

func doRequest(router http.Handler, method, target, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGuardRequire(t *testing.T) {
	store := &fakeStore{
		resources: map[string]map[int64]authz.Resource{
			"documents": {10: {ID: 10, OwnerID: 7}},
			"folders":   {5: {ID: 5, OwnerID: 7}},
		},
	}
	router := newRouter(newTestEngine(t, store))

	t.Run("owner allowed", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/10", "7")
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing principal", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/10", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad resource id", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/abc", "7")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("denied", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/10", "8")
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing resource", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/99", "7")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("root allowed everywhere", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/documents/99", "1")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGuardRequireCreate(t *testing.T) {
	store := &fakeStore{
		resources: map[string]map[int64]authz.Resource{
			"folders": {5: {ID: 5, OwnerID: 7}},
		},
	}
	router := newRouter(newTestEngine(t, store))

	t.Run("parent owner may create", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/folders/5/attachments", "7")
		require.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("stranger denied", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/folders/5/attachments", "8")
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestGuardStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	router := newRouter(newTestEngine(t, store))

	rec := doRequest(router, http.MethodGet, "/documents/10", "7")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGuardCustomPrincipal(t *testing.T) {
	store := &fakeStore{
		resources: map[string]map[int64]authz.Resource{
			"documents": {10: {ID: 10, OwnerID: 7}},
		},
	}
	guard := Guard{
		Engine:    newTestEngine(t, store),
		Principal: func(*http.Request) (int64, bool) { return 7, true },
	}
	router := chi.NewRouter()
	router.With(guard.Require("documents", authz.LevelView)).
		Get("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	rec := doRequest(router, http.MethodGet, "/documents/10", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
