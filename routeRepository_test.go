package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	core "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func routeConfigMap(id string, data map[string]string) *core.ConfigMap {
	data[routeKeyID] = id
	return &core.ConfigMap{
		ObjectMeta: v1.ObjectMeta{
			Name:      routeConfigMapName(id),
			Namespace: defaultNamespace,
			Labels:    map[string]string{"gateway-routes-for": "upp-api-gateway"},
		},
		Data: data,
	}
}

func initializeConfigMapRepository() *configMapRouteRepository {
	content := routeConfigMap("content", map[string]string{
		routeKeyURI:        "lb://content-api",
		routeKeyPath:       "/content/**",
		routeKeyOrder:      "2",
		routeKeyPredicates: "Method=GET; Header=X-Tenant-Id,.+",
		routeKeyFilters:    "StripPrefix=1",
		routeKeyMetadata:   `{"trafficSplits":[{"variantId":"primary","percentage":90},{"variantId":"canary","percentage":10}]}`,
	})
	disabled := routeConfigMap("lists", map[string]string{
		routeKeyURI:     "lb://lists-api",
		routeKeyPath:    "/lists/**",
		routeKeyEnabled: "false",
	})
	broken := routeConfigMap("broken", map[string]string{
		routeKeyURI:   "lb://broken",
		routeKeyOrder: "first",
	})
	unlabelled := routeConfigMap("other", map[string]string{routeKeyURI: "lb://other", routeKeyPath: "/other"})
	unlabelled.Labels = nil

	return newConfigMapRouteRepository(fake.NewSimpleClientset(content, disabled, broken, unlabelled), defaultNamespace)
}

func TestConfigMapRepositoryGetActiveRoutes(t *testing.T) {
	repository := initializeConfigMapRepository()

	routes, err := repository.getActiveRoutes(context.Background())

	require.NoError(t, err)
	require.Len(t, routes, 1)
	route := routes[0]
	assert.Equal(t, "content", route.ID)
	assert.Equal(t, "lb://content-api", route.URI)
	assert.Equal(t, 2, route.Order)
	assert.Equal(t, []string{"Method=GET", "Header=X-Tenant-Id,.+"}, route.Predicates)
	assert.Equal(t, []string{"StripPrefix=1"}, route.Filters)
	assert.Len(t, route.Metadata.TrafficSplits, 2)
}

func TestConfigMapRepositoryUpdateRouteMetadata(t *testing.T) {
	repository := initializeConfigMapRepository()
	metadata := routeMetadata{TrafficSplits: []trafficSplit{{VariantID: "primary", Percentage: 100}}}

	require.NoError(t, repository.updateRouteMetadata(context.Background(), "content", metadata))

	route, err := repository.getRoute(context.Background(), "content")
	require.NoError(t, err)
	assert.Equal(t, metadata, route.Metadata)
	assert.Equal(t, "lb://content-api", route.URI, "other keys are left untouched")
}

func TestConfigMapRepositoryUnknownRoute(t *testing.T) {
	repository := initializeConfigMapRepository()

	_, err := repository.getRoute(context.Background(), "missing")
	assert.True(t, errors.Is(err, errRouteNotFound))

	err = repository.updateRouteMetadata(context.Background(), "missing", routeMetadata{})
	assert.True(t, errors.Is(err, errRouteNotFound))
}

func TestPopulateRoute(t *testing.T) {
	_, _, err := populateRoute(map[string]string{routeKeyURI: "lb://x"})
	assert.Error(t, err, "a route needs an id")

	_, _, err = populateRoute(map[string]string{routeKeyID: "x", routeKeyMetadata: "{"})
	assert.Error(t, err)

	route, enabled, err := populateRoute(map[string]string{routeKeyID: "x", routeKeyEnabled: "maybe"})
	assert.NoError(t, err)
	assert.True(t, enabled, "unparseable flags leave the route enabled")
	assert.Nil(t, route.Predicates)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d destinations, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *string:
			*target = r.values[i].(string)
		case *int:
			*target = r.values[i].(int)
		case *[]byte:
			*target = r.values[i].([]byte)
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

type fakeRows struct {
	rows    []fakeRow
	current int
	closed  bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.current-1].values, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.current >= len(r.rows) {
		return false
	}
	r.current++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return r.rows[r.current-1].Scan(dest...)
}

type fakeQuerier struct {
	routes   map[string]fakeRow
	active   []fakeRow
	queryErr error
	executed []string
	args     [][]any
}

func (q *fakeQuerier) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if q.queryErr != nil {
		return nil, q.queryErr
	}
	return &fakeRows{rows: q.active}, nil
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	row, ok := q.routes[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return row
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.executed = append(q.executed, sql)
	q.args = append(q.args, args)
	if len(args) > 0 {
		if _, ok := q.routes[args[0].(string)]; !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func routeRow(id string, predicates string, metadata string) fakeRow {
	return fakeRow{values: []any{id, "lb://" + id, "/" + id + "/**", []byte(predicates), []byte(`["StripPrefix=1"]`), 1, []byte(metadata)}}
}

func TestPostgresRepositoryGetActiveRoutes(t *testing.T) {
	querier := &fakeQuerier{active: []fakeRow{
		routeRow("content", `["Method=GET"]`, `{"trafficSplits":[{"variantId":"primary","percentage":100}]}`),
		routeRow("broken", `not json`, `{}`),
		routeRow("lists", `[]`, `{}`),
	}}
	repository := newPostgresRouteRepository(querier)

	routes, err := repository.getActiveRoutes(context.Background())

	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "content", routes[0].ID)
	assert.Equal(t, []string{"Method=GET"}, routes[0].Predicates)
	assert.Equal(t, []string{"StripPrefix=1"}, routes[0].Filters)
	assert.Equal(t, 100, routes[0].Metadata.TrafficSplits[0].Percentage)
	assert.Equal(t, "lists", routes[1].ID)
}

func TestPostgresRepositoryQueryError(t *testing.T) {
	repository := newPostgresRouteRepository(&fakeQuerier{queryErr: errors.New("connection refused")})

	_, err := repository.getActiveRoutes(context.Background())

	assert.Error(t, err)
}

func TestPostgresRepositoryGetAndUpdateRoute(t *testing.T) {
	querier := &fakeQuerier{routes: map[string]fakeRow{
		"content": routeRow("content", `[]`, `{"trafficSplits":[{"variantId":"primary","percentage":90},{"variantId":"canary","percentage":10}]}`),
	}}
	repository := newPostgresRouteRepository(querier)

	route, err := repository.getRoute(context.Background(), "content")
	require.NoError(t, err)
	assert.Len(t, route.Metadata.TrafficSplits, 2)

	_, err = repository.getRoute(context.Background(), "missing")
	assert.True(t, errors.Is(err, errRouteNotFound))

	metadata := routeMetadata{TrafficSplits: []trafficSplit{{VariantID: "primary", Percentage: 100}}}
	require.NoError(t, repository.updateRouteMetadata(context.Background(), "content", metadata))
	require.Len(t, querier.args, 1)
	var persisted routeMetadata
	require.NoError(t, json.Unmarshal(querier.args[0][1].([]byte), &persisted))
	assert.Equal(t, metadata, persisted)

	err = repository.updateRouteMetadata(context.Background(), "missing", metadata)
	assert.True(t, errors.Is(err, errRouteNotFound))
}

func TestPostgresRepositoryMigrate(t *testing.T) {
	querier := &fakeQuerier{}

	require.NoError(t, newPostgresRouteRepository(querier).migrate(context.Background()))

	require.Len(t, querier.executed, 1)
	assert.Contains(t, querier.executed[0], "CREATE TABLE IF NOT EXISTS gateway_route")
}

func TestStaticRouteRepository(t *testing.T) {
	repository := newStaticRouteRepository([]routeDefinition{{ID: "b"}, {ID: "a"}})

	routes, err := repository.getActiveRoutes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", routes[0].ID)

	require.NoError(t, repository.updateRouteMetadata(context.Background(), "a", routeMetadata{Attributes: map[string]string{"k": "v"}}))
	route, err := repository.getRoute(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "v", route.Metadata.Attributes["k"])

	repository.replace(nil)
	_, err = repository.getRoute(context.Background(), "a")
	assert.True(t, errors.Is(err, errRouteNotFound))
}
