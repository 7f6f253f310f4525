package engine

import (
	"testing"

	"dynamic-api/internal/models"

	"github.com/stretchr/testify/require"
)

func published(id uint, method, path string) models.Endpoint {
	return models.Endpoint{ID: id, Method: method, Path: path, Status: models.StatusPublished}
}

func TestMatch_BindsPathParameters(t *testing.T) {
	endpoints := []models.Endpoint{
		published(1, "GET", "/users/:id"),
		published(2, "GET", "/users/:user_id/orders/:order_id"),
	}

	ep, bound, ok := Match(endpoints, "GET", "/users/42")
	require.True(t, ok)
	require.EqualValues(t, 1, ep.ID)
	require.Equal(t, map[string]string{"id": "42"}, bound)

	ep, bound, ok = Match(endpoints, "get", "/users/7/orders/9/")
	require.True(t, ok)
	require.EqualValues(t, 2, ep.ID)
	require.Equal(t, map[string]string{"user_id": "7", "order_id": "9"}, bound)
}

func TestMatch_PrefersFixedPaths(t *testing.T) {
	endpoints := []models.Endpoint{
		published(1, "GET", "/users/:id"),
		published(2, "GET", "/users/count"),
	}

	ep, bound, ok := Match(endpoints, "GET", "/users/count")
	require.True(t, ok)
	require.EqualValues(t, 2, ep.ID)
	require.Empty(t, bound)

	ep, _, ok = Match(endpoints, "GET", "/users/count2")
	require.True(t, ok)
	require.EqualValues(t, 1, ep.ID)
}

func TestMatch_FirstFitAmongParameterized(t *testing.T) {
	endpoints := []models.Endpoint{
		published(1, "GET", "/:table/:id"),
		published(2, "GET", "/users/:id"),
	}
	ep, _, ok := Match(endpoints, "GET", "/users/1")
	require.True(t, ok)
	require.EqualValues(t, 1, ep.ID)
}

func TestMatch_FiltersMethodStatusAndSegmentCount(t *testing.T) {
	endpoints := []models.Endpoint{
		published(1, "POST", "/users"),
		{ID: 2, Method: "GET", Path: "/users", Status: models.StatusDraft},
		{ID: 3, Method: "GET", Path: "/users", Status: models.StatusDeprecated},
		published(4, "GET", "/users/:id/profile"),
	}

	_, _, ok := Match(endpoints, "GET", "/users")
	require.False(t, ok)
	_, _, ok = Match(endpoints, "GET", "/users/1")
	require.False(t, ok)
	_, _, ok = Match(nil, "GET", "/")
	require.False(t, ok)

	ep, _, ok := Match(endpoints, "POST", "/users")
	require.True(t, ok)
	require.EqualValues(t, 1, ep.ID)
}

func TestMatch_IsDeterministic(t *testing.T) {
	endpoints := []models.Endpoint{
		published(1, "GET", "/a/:x"),
		published(2, "GET", "/:y/b"),
		published(3, "GET", "/a/b"),
		published(4, "GET", "/:p/:q"),
	}

	first, firstBound, ok := Match(endpoints, "GET", "/a/c")
	require.True(t, ok)
	for i := 0; i < 50; i++ {
		ep, bound, ok := Match(endpoints, "GET", "/a/c")
		require.True(t, ok)
		require.Equal(t, first.ID, ep.ID)
		require.Equal(t, firstBound, bound)
	}

	ep, _, _ := Match(endpoints, "GET", "/a/b")
	require.EqualValues(t, 3, ep.ID)
}
