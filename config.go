package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHealthTimeout = 3 * time.Second
	defaultInstancePort  = int32(8080)
)

// gatewayConfig is the routing configuration document. It is parsed once per
// reload and compiled into immutable values by the components that consume it.
type gatewayConfig struct {
	VersionMappings     []versionMappingConfig            `yaml:"versionMappings"`
	CompatibilityMatrix map[string][]string               `yaml:"compatibilityMatrix"`
	CircuitBreakers     circuitBreakersConfig             `yaml:"circuitBreakers"`
	TenantMigrations    map[string]map[string]string      `yaml:"tenantMigrations"`
	StaticInstances     map[string][]staticInstanceConfig `yaml:"staticInstances"`
	StaticRoutes        []routeDefinition                 `yaml:"routes"`
}

type versionMappingConfig struct {
	Name              string               `yaml:"name"`
	Paths             []string             `yaml:"paths"`
	Methods           []string             `yaml:"methods"`
	DefaultVersion    string               `yaml:"defaultVersion"`
	FallbackToDefault bool                 `yaml:"fallbackToDefault"`
	Headers           map[string]string    `yaml:"headers"`
	Routes            []versionRouteConfig `yaml:"routes"`

	// NumericPathSegments lets a bare number in the path, like /content/2, name the version.
	NumericPathSegments bool `yaml:"numericPathSegments"`
}

type versionRouteConfig struct {
	Version            string            `yaml:"version"`
	Rewrite            string            `yaml:"rewrite"`
	Weight             *int              `yaml:"weight"`
	Deprecated         bool              `yaml:"deprecated"`
	DeprecationWarning string            `yaml:"deprecationWarning"`
	Sunset             string            `yaml:"sunset"`
	PolicyLink         string            `yaml:"policyLink"`
	CompatibleWith     []string          `yaml:"compatibleWith"`
	Headers            map[string]string `yaml:"headers"`
}

type circuitBreakersConfig struct {
	Defaults  breakerSettingsConfig            `yaml:"defaults"`
	Instances map[string]breakerInstanceConfig `yaml:"instances"`
}

type breakerSettingsConfig struct {
	FailureRateThreshold     float64       `yaml:"failureRateThreshold"`
	SlowCallRateThreshold    float64       `yaml:"slowCallRateThreshold"`
	SlowCallDuration         time.Duration `yaml:"slowCallDuration"`
	MinimumCalls             int           `yaml:"minimumCalls"`
	SlidingWindowSize        int           `yaml:"slidingWindowSize"`
	WaitDurationInOpen       time.Duration `yaml:"waitDurationInOpen"`
	PermittedCallsInHalfOpen int           `yaml:"permittedCallsInHalfOpen"`
}

type breakerInstanceConfig struct {
	Priority       string                 `yaml:"priority"`
	HealthEndpoint string                 `yaml:"healthEndpoint"`
	HealthTimeout  time.Duration          `yaml:"healthTimeout"`
	Overrides      *breakerSettingsConfig `yaml:"overrides"`
}

type staticInstanceConfig struct {
	ID       string            `yaml:"id"`
	Host     string            `yaml:"host"`
	Port     int32             `yaml:"port"`
	Zone     string            `yaml:"zone"`
	Status   string            `yaml:"status"`
	Metadata map[string]string `yaml:"metadata"`
}

func loadGatewayConfig(path string) (gatewayConfig, error) {
	if path == "" {
		return gatewayConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return gatewayConfig{}, fmt.Errorf("cannot read gateway config %s: %w", path, err)
	}

	return parseGatewayConfig(data)
}

func parseGatewayConfig(data []byte) (gatewayConfig, error) {
	var cfg gatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return gatewayConfig{}, fmt.Errorf("cannot parse gateway config: %w", err)
	}
	return cfg, nil
}

func (c gatewayConfig) breakerSettingsFor(name string) breakerSettings {
	settings := defaultBreakerSettings().merge(c.CircuitBreakers.Defaults)
	if instance, ok := c.CircuitBreakers.Instances[name]; ok && instance.Overrides != nil {
		settings = settings.merge(*instance.Overrides)
	}
	return settings
}

func (c gatewayConfig) breakerPriorities() map[string]breakerPriority {
	priorities := make(map[string]breakerPriority, len(c.CircuitBreakers.Instances))
	for name, instance := range c.CircuitBreakers.Instances {
		if strings.EqualFold(instance.Priority, string(priorityCritical)) {
			priorities[name] = priorityCritical
		} else {
			priorities[name] = priorityNonCritical
		}
	}
	return priorities
}

func (c gatewayConfig) healthEndpoints() map[string]healthEndpoint {
	endpoints := make(map[string]healthEndpoint)
	for name, instance := range c.CircuitBreakers.Instances {
		if instance.HealthEndpoint == "" {
			continue
		}
		timeout := instance.HealthTimeout
		if timeout <= 0 {
			timeout = defaultHealthTimeout
		}
		endpoints[name] = healthEndpoint{url: instance.HealthEndpoint, timeout: timeout}
	}
	return endpoints
}

func (c gatewayConfig) staticInstances() map[string][]serviceInstance {
	instances := make(map[string][]serviceInstance, len(c.StaticInstances))
	for service, configured := range c.StaticInstances {
		for i, sc := range configured {
			id := sc.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", service, i)
			}
			port := sc.Port
			if port == 0 {
				port = defaultInstancePort
			}
			status := strings.ToUpper(sc.Status)
			if status == "" {
				status = instanceStatusUp
			}
			instances[service] = append(instances[service], serviceInstance{
				id:       id,
				service:  service,
				host:     sc.Host,
				port:     port,
				zone:     sc.Zone,
				status:   status,
				metadata: sc.Metadata,
			})
		}
	}
	return instances
}
