package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// routeRepository is the only persistence the gateway needs: read the active
// routes and write back route metadata on canary rollback.
type routeRepository interface {
	getActiveRoutes(ctx context.Context) ([]routeDefinition, error)
	getRoute(ctx context.Context, routeID string) (routeDefinition, error)
	updateRouteMetadata(ctx context.Context, routeID string, metadata routeMetadata) error
}

const (
	routesConfigMapLabelSelector = "gateway-routes-for=upp-api-gateway"
	routeConfigMapPrefix         = "route."
	watchReconnectDelay          = 5 * time.Second

	routeKeyID         = "route.id"
	routeKeyURI        = "route.uri"
	routeKeyPath       = "route.path"
	routeKeyOrder      = "route.order"
	routeKeyEnabled    = "route.enabled"
	routeKeyPredicates = "route.predicates"
	routeKeyFilters    = "route.filters"
	routeKeyMetadata   = "route.metadata"
)

type configMapRouteRepository struct {
	k8sClient kubernetes.Interface
	namespace string
}

func newConfigMapRouteRepository(k8sClient kubernetes.Interface, namespace string) *configMapRouteRepository {
	return &configMapRouteRepository{k8sClient: k8sClient, namespace: namespace}
}

func routeConfigMapName(routeID string) string {
	return routeConfigMapPrefix + routeID
}

func (r *configMapRouteRepository) getActiveRoutes(ctx context.Context) ([]routeDefinition, error) {
	k8sRoutes, err := r.k8sClient.CoreV1().ConfigMaps(r.namespace).List(ctx, v1.ListOptions{LabelSelector: routesConfigMapLabelSelector})
	if err != nil {
		return nil, fmt.Errorf("failed to get the routes from kubernetes: %w", err)
	}

	var routes []routeDefinition
	for _, k8sRoute := range k8sRoutes.Items {
		route, enabled, err := populateRoute(k8sRoute.Data)
		if err != nil {
			log.WithError(err).Warnf("Skipping route configMap %s", k8sRoute.Name)
			continue
		}
		if enabled {
			routes = append(routes, route)
		}
	}
	return routes, nil
}

func (r *configMapRouteRepository) getRoute(ctx context.Context, routeID string) (routeDefinition, error) {
	k8sRoute, err := r.k8sClient.CoreV1().ConfigMaps(r.namespace).Get(ctx, routeConfigMapName(routeID), v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return routeDefinition{}, fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	if err != nil {
		return routeDefinition{}, fmt.Errorf("cannot retrieve configMap for route %s: %w", routeID, err)
	}

	route, _, err := populateRoute(k8sRoute.Data)
	return route, err
}

func (r *configMapRouteRepository) updateRouteMetadata(ctx context.Context, routeID string, metadata routeMetadata) error {
	k8sRoute, err := r.k8sClient.CoreV1().ConfigMaps(r.namespace).Get(ctx, routeConfigMapName(routeID), v1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	if err != nil {
		return fmt.Errorf("cannot retrieve configMap for route %s: %w", routeID, err)
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("cannot encode metadata of route %s: %w", routeID, err)
	}
	if k8sRoute.Data == nil {
		k8sRoute.Data = make(map[string]string)
	}
	k8sRoute.Data[routeKeyMetadata] = string(encoded)

	if _, err := r.k8sClient.CoreV1().ConfigMaps(r.namespace).Update(ctx, k8sRoute, v1.UpdateOptions{}); err != nil {
		return fmt.Errorf("cannot update configMap for route %s: %w", routeID, err)
	}
	return nil
}

// watchRoutes calls onChange for every route configMap event until ctx is
// done, reconnecting whenever the watch channel closes.
func (r *configMapRouteRepository) watchRoutes(ctx context.Context, onChange func()) {
	for {
		watcher, err := r.k8sClient.CoreV1().ConfigMaps(r.namespace).Watch(ctx, v1.ListOptions{LabelSelector: routesConfigMapLabelSelector})
		if err != nil {
			log.WithError(err).Errorf("Error while starting to watch route configMaps with label selector %s", routesConfigMapLabelSelector)
		} else {
			log.Info("Started watching route configMaps")
			for msg := range watcher.ResultChan() {
				switch msg.Type {
				case watch.Added, watch.Modified, watch.Deleted:
					if k8sRoute, ok := msg.Object.(*core.ConfigMap); ok {
						log.Infof("Route configMap %s changed (%s)", k8sRoute.Name, msg.Type)
					}
					onChange()
				default:
					log.Error("Error received on watch route configMaps. Channel may be full")
				}
			}
			watcher.Stop()
		}

		select {
		case <-ctx.Done():
			log.Info("Route configMaps watching terminated")
			return
		case <-time.After(watchReconnectDelay):
			log.Info("Route configMaps watching terminated. Reconnecting...")
		}
	}
}

func populateRoute(data map[string]string) (routeDefinition, bool, error) {
	route := routeDefinition{
		ID:   data[routeKeyID],
		URI:  data[routeKeyURI],
		Path: data[routeKeyPath],
	}
	if route.ID == "" {
		return routeDefinition{}, false, errors.New("route configMap has no route.id")
	}

	enabled, err := strconv.ParseBool(data[routeKeyEnabled])
	if err != nil {
		enabled = true
	}

	if raw := data[routeKeyOrder]; raw != "" {
		order, err := strconv.Atoi(raw)
		if err != nil {
			return routeDefinition{}, false, fmt.Errorf("route %s has an invalid order %q", route.ID, raw)
		}
		route.Order = order
	}

	route.Predicates = splitList(data[routeKeyPredicates], ";")
	route.Filters = splitList(data[routeKeyFilters], ";")

	if raw := data[routeKeyMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &route.Metadata); err != nil {
			return routeDefinition{}, false, fmt.Errorf("route %s has invalid metadata: %w", route.ID, err)
		}
	}
	return route, enabled, nil
}

func splitList(raw string, sep string) []string {
	var items []string
	for _, item := range strings.Split(raw, sep) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// pgxQuerier is the part of *pgxpool.Pool the postgres repository uses.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	createRouteTableSQL = `CREATE TABLE IF NOT EXISTS gateway_route (
	id          TEXT PRIMARY KEY,
	uri         TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	predicates  JSONB NOT NULL DEFAULT '[]',
	filters     JSONB NOT NULL DEFAULT '[]',
	route_order INTEGER NOT NULL DEFAULT 0,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	metadata    JSONB NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	selectActiveRoutesSQL = `SELECT id, uri, path, predicates, filters, route_order, metadata FROM gateway_route WHERE enabled ORDER BY route_order, id`
	selectRouteSQL        = `SELECT id, uri, path, predicates, filters, route_order, metadata FROM gateway_route WHERE id = $1`
	updateRouteMetaSQL    = `UPDATE gateway_route SET metadata = $2, updated_at = now() WHERE id = $1`
)

type postgresRouteRepository struct {
	db pgxQuerier
}

func newPostgresRouteRepository(db pgxQuerier) *postgresRouteRepository {
	return &postgresRouteRepository{db: db}
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

func (r *postgresRouteRepository) migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createRouteTableSQL); err != nil {
		return fmt.Errorf("cannot create gateway_route table: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (routeDefinition, error) {
	var route routeDefinition
	var predicates, filters, metadata []byte
	if err := row.Scan(&route.ID, &route.URI, &route.Path, &predicates, &filters, &route.Order, &metadata); err != nil {
		return routeDefinition{}, err
	}
	if len(predicates) != 0 {
		if err := json.Unmarshal(predicates, &route.Predicates); err != nil {
			return routeDefinition{}, fmt.Errorf("route %s has invalid predicates: %w", route.ID, err)
		}
	}
	if len(filters) != 0 {
		if err := json.Unmarshal(filters, &route.Filters); err != nil {
			return routeDefinition{}, fmt.Errorf("route %s has invalid filters: %w", route.ID, err)
		}
	}
	if len(metadata) != 0 {
		if err := json.Unmarshal(metadata, &route.Metadata); err != nil {
			return routeDefinition{}, fmt.Errorf("route %s has invalid metadata: %w", route.ID, err)
		}
	}
	return route, nil
}

func (r *postgresRouteRepository) getActiveRoutes(ctx context.Context) ([]routeDefinition, error) {
	rows, err := r.db.Query(ctx, selectActiveRoutesSQL)
	if err != nil {
		return nil, fmt.Errorf("cannot query active routes: %w", err)
	}
	defer rows.Close()

	var routes []routeDefinition
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			log.WithError(err).Warn("Skipping unreadable route row")
			continue
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cannot read active routes: %w", err)
	}
	return routes, nil
}

func (r *postgresRouteRepository) getRoute(ctx context.Context, routeID string) (routeDefinition, error) {
	route, err := scanRoute(r.db.QueryRow(ctx, selectRouteSQL, routeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return routeDefinition{}, fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	if err != nil {
		return routeDefinition{}, fmt.Errorf("cannot read route %s: %w", routeID, err)
	}
	return route, nil
}

func (r *postgresRouteRepository) updateRouteMetadata(ctx context.Context, routeID string, metadata routeMetadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("cannot encode metadata of route %s: %w", routeID, err)
	}
	tag, err := r.db.Exec(ctx, updateRouteMetaSQL, routeID, encoded)
	if err != nil {
		return fmt.Errorf("cannot update route %s: %w", routeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	return nil
}

// staticRouteRepository serves the routes of the gateway config file. Rollbacks
// only live until the next config reload.
type staticRouteRepository struct {
	mu     sync.RWMutex
	routes map[string]routeDefinition
}

func newStaticRouteRepository(routes []routeDefinition) *staticRouteRepository {
	r := &staticRouteRepository{}
	r.replace(routes)
	return r
}

func (r *staticRouteRepository) replace(routes []routeDefinition) {
	indexed := make(map[string]routeDefinition, len(routes))
	for _, route := range routes {
		indexed[route.ID] = route
	}
	r.mu.Lock()
	r.routes = indexed
	r.mu.Unlock()
}

func (r *staticRouteRepository) getActiveRoutes(_ context.Context) ([]routeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]routeDefinition, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

func (r *staticRouteRepository) getRoute(_ context.Context, routeID string) (routeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[routeID]
	if !ok {
		return routeDefinition{}, fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	return route, nil
}

func (r *staticRouteRepository) updateRouteMetadata(_ context.Context, routeID string, metadata routeMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[routeID]
	if !ok {
		return fmt.Errorf("%w: %s", errRouteNotFound, routeID)
	}
	route.Metadata = metadata
	r.routes[routeID] = route
	return nil
}
