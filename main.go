package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	appSystemCode   = "upp-api-gateway"
	shutdownTimeout = 10 * time.Second

	routeStoreConfigMap = "configmap"
	routeStorePostgres  = "postgres"
	routeStoreStatic    = "static"
)

func main() {
	app := cli.App(appSystemCode, "Routes tenant API traffic to versioned, canaried and load balanced backends behind circuit breakers.")

	environment := app.String(cli.StringOpt{
		Name:   "environment",
		Value:  "Kubernetes",
		Desc:   "Environment tag (e.g. local, pre-prod, prod-uk)",
		EnvVar: "ENVIRONMENT",
	})
	appPort := app.String(cli.StringOpt{
		Name:   "app-port",
		Value:  "8080",
		Desc:   "Port the gateway proxies tenant traffic on",
		EnvVar: "APP_PORT",
	})
	adminPort := app.String(cli.StringOpt{
		Name:   "admin-port",
		Value:  "8081",
		Desc:   "Port of the admin API, health and metrics endpoints",
		EnvVar: "ADMIN_PORT",
	})
	pathPrefix := app.String(cli.StringOpt{
		Name:   "pathPrefix",
		Value:  "",
		Desc:   "Path prefix for all admin endpoints",
		EnvVar: "PATH_PREFIX",
	})
	configPath := app.String(cli.StringOpt{
		Name:   "gateway-config",
		Value:  "/config/gateway.yaml",
		Desc:   "Path of the gateway routing configuration, reloaded on SIGHUP",
		EnvVar: "GATEWAY_CONFIG",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Value:  "info",
		Desc:   "Logging level (debug, info, warn, error)",
		EnvVar: "LOG_LEVEL",
	})
	routeStore := app.String(cli.StringOpt{
		Name:   "route-store",
		Value:  routeStoreConfigMap,
		Desc:   "Where route definitions live: configmap, postgres or static",
		EnvVar: "ROUTE_STORE",
	})
	namespace := app.String(cli.StringOpt{
		Name:   "namespace",
		Value:  defaultNamespace,
		Desc:   "Kubernetes namespace of the route configMaps and backend pods",
		EnvVar: "NAMESPACE",
	})
	postgresDSN := app.String(cli.StringOpt{
		Name:   "postgres-dsn",
		Value:  "",
		Desc:   "Postgres connection string, used when route-store is postgres",
		EnvVar: "POSTGRES_DSN",
	})
	redisAddress := app.String(cli.StringOpt{
		Name:   "redis-address",
		Value:  "",
		Desc:   "Redis address for shared tenant version preferences, in memory when empty",
		EnvVar: "REDIS_ADDRESS",
	})
	preferenceTTL := app.Int(cli.IntOpt{
		Name:   "preference-ttl-hours",
		Value:  720,
		Desc:   "How long a tenant version preference is kept in Redis",
		EnvVar: "PREFERENCE_TTL_HOURS",
	})
	graphiteURL := app.String(cli.StringOpt{
		Name:   "graphite-url",
		Value:  "",
		Desc:   "Graphite host:port, graphite feeding is disabled when empty",
		EnvVar: "GRAPHITE_URL",
	})
	preferredZone := app.String(cli.StringOpt{
		Name:   "preferred-zone",
		Value:  "",
		Desc:   "Availability zone whose instances are preferred when available",
		EnvVar: "PREFERRED_ZONE",
	})
	routeRefresh := app.Int(cli.IntOpt{
		Name:   "route-refresh-seconds",
		Value:  60,
		Desc:   "Interval of the periodic routing table refresh",
		EnvVar: "ROUTE_REFRESH_SECONDS",
	})
	probeInterval := app.Int(cli.IntOpt{
		Name:   "probe-interval-seconds",
		Value:  15,
		Desc:   "Interval of the recovery probes of open circuit breakers",
		EnvVar: "PROBE_INTERVAL_SECONDS",
	})
	stickyTTL := app.Int(cli.IntOpt{
		Name:   "sticky-ttl-seconds",
		Value:  300,
		Desc:   "Inactivity after which a websocket sticky session expires",
		EnvVar: "STICKY_TTL_SECONDS",
	})

	app.Action = func() {
		log.InitLogger(appSystemCode, *logLevel)
		log.Infof("Starting %s in environment %s", appSystemCode, *environment)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadGatewayConfig(*configPath)
		if err != nil {
			panic(fmt.Sprintf("Cannot load the gateway config. Error was: %v", err))
		}

		deps := gatewayDeps{
			clock:         clock.New(),
			preferredZone: *preferredZone,
			stickyTTL:     time.Duration(*stickyTTL) * time.Second,
			probeInterval: time.Duration(*probeInterval) * time.Second,
			probeClient:   newHTTPClient(12 * time.Second),
		}

		if *redisAddress != "" {
			rdb := redis.NewClient(&redis.Options{Addr: *redisAddress})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.WithError(err).Warnf("Redis at %s is not reachable yet, tenant preferences degrade until it is", *redisAddress)
			}
			deps.preferences = newRedisPreferenceStore(rdb, time.Duration(*preferenceTTL)*time.Hour)
		}

		var configMapRoutes *configMapRouteRepository
		switch *routeStore {
		case routeStoreConfigMap:
			k8sClient, err := newInClusterClient()
			if err != nil {
				panic(err.Error())
			}
			configMapRoutes = newConfigMapRouteRepository(k8sClient, *namespace)
			deps.repository = configMapRoutes
			deps.discovery = newK8sInstanceDiscovery(k8sClient, *namespace)
		case routeStorePostgres:
			pool, err := connectPostgres(ctx, *postgresDSN)
			if err != nil {
				panic(fmt.Sprintf("Cannot connect to postgres. Error was: %v", err))
			}
			defer pool.Close()
			postgresRoutes := newPostgresRouteRepository(pool)
			if err := postgresRoutes.migrate(ctx); err != nil {
				panic(err.Error())
			}
			deps.repository = postgresRoutes
			if k8sClient, err := newInClusterClient(); err == nil {
				deps.discovery = newK8sInstanceDiscovery(k8sClient, *namespace)
			} else {
				log.WithError(err).Warn("Running without kubernetes discovery, only static instances are balanced")
			}
		case routeStoreStatic:
		default:
			panic(fmt.Sprintf("Unknown route store %q", *routeStore))
		}

		gw, err := newGateway(cfg, deps)
		if err != nil {
			panic(fmt.Sprintf("Cannot build the gateway. Error was: %v", err))
		}
		gw.start(ctx, time.Duration(*routeRefresh)*time.Second)

		if configMapRoutes != nil {
			go configMapRoutes.watchRoutes(ctx, func() { gw.refreshRoutes(ctx) })
		}
		go watchConfigReloads(ctx, gw, *configPath)

		prometheusFeeder := newPrometheusFeeder(*environment, deps.clock, gw.controller, prometheus.DefaultRegisterer)
		go prometheusFeeder.feed(ctx)
		if *graphiteURL != "" {
			graphiteFeeder := newGraphiteFeeder(*graphiteURL, *environment, deps.clock, gw.controller)
			go graphiteFeeder.feed(ctx)
		}

		handler := &httpHandler{
			health:   newGatewayHealthController(*environment, gw.insights, gw.discovery, deps.probeClient),
			breakers: gw.coordinator,
			variants: gw.controller,
		}

		listen(ctx, map[string]http.Handler{
			":" + *appPort:   gw.controller,
			":" + *adminPort: newAdminRouter(handler, *pathPrefix, prometheus.DefaultGatherer),
		})
		gw.wait()
		log.Info("Gateway stopped")
	}

	err := app.Run(os.Args)
	if err != nil {
		panic(fmt.Sprintf("Cannot run the app. Error was: %v", err))
	}
}

// watchConfigReloads re-reads the gateway config on SIGHUP. A document that
// does not compile leaves the running configuration untouched.
func watchConfigReloads(ctx context.Context, gw *gateway, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadGatewayConfig(path)
			if err != nil {
				log.WithError(err).Error("Gateway config reload failed")
				continue
			}
			if err := gw.applyConfig(ctx, cfg); err != nil {
				log.WithError(err).Error("Gateway config rejected, keeping the running configuration")
				continue
			}
			log.Infof("Gateway config reloaded from %s", path)
		}
	}
}

func listen(ctx context.Context, handlers map[string]http.Handler) {
	var wg sync.WaitGroup
	for addr, handler := range handlers {
		srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		wg.Add(2)
		go func() {
			defer wg.Done()
			log.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				panic(fmt.Sprintf("Cannot set up HTTP listener. Error was: %v", err))
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warnf("Server on %s did not shut down cleanly", srv.Addr)
			}
		}()
	}
	wg.Wait()
}
