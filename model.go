package main

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

const (
	instanceStatusUp   = "UP"
	instanceStatusDown = "DOWN"

	metadataHealthScore  = "health-score"
	metadataResponseTime = "response-time-ms"
	metadataZone         = "zone"
	metadataStatus       = "status"
)

// serviceInstance is one backend of a logical service as reported by discovery.
type serviceInstance struct {
	id       string
	service  string
	host     string
	port     int32
	zone     string
	status   string
	metadata map[string]string
}

func (i serviceInstance) address() string {
	return fmt.Sprintf("%s:%d", i.host, i.port)
}

func (i serviceInstance) isUp() bool {
	return i.status == instanceStatusUp
}

// routeDefinition is a persisted route as read from the route repository.
type routeDefinition struct {
	ID         string        `json:"id" yaml:"id"`
	URI        string        `json:"uri" yaml:"uri"`
	Path       string        `json:"path" yaml:"path"`
	Predicates []string      `json:"predicates,omitempty" yaml:"predicates"`
	Filters    []string      `json:"filters,omitempty" yaml:"filters"`
	Order      int           `json:"order,omitempty" yaml:"order"`
	Metadata   routeMetadata `json:"metadata" yaml:"metadata"`
}

type routeMetadata struct {
	TrafficSplits []trafficSplit    `json:"trafficSplits,omitempty" yaml:"trafficSplits"`
	Attributes    map[string]string `json:"attributes,omitempty" yaml:"attributes"`
}

type trafficSplit struct {
	VariantID  string `json:"variantId" yaml:"variantId"`
	Percentage int    `json:"percentage" yaml:"percentage"`
	URI        string `json:"uri,omitempty" yaml:"uri"`
}

// weightedRoute is a concrete route produced by expanding a routeDefinition.
// Routes without traffic splits expand to a single weightedRoute with an empty group.
type weightedRoute struct {
	id         string
	parentID   string
	variantID  string
	uri        string
	path       string
	predicates []string
	filters    []string
	order      int
	group      string
	weight     int
	canary     bool
}

type variantRegistration struct {
	routeID    string
	variantID  string
	canary     bool
	percentage int
}

type tenantImpact struct {
	TenantID  string `json:"tenantId"`
	Fallbacks int64  `json:"fallbacks"`
}

type breakerCommandResult struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newTransactionID() string {
	return "tid_" + uuid.Must(uuid.NewV4()).String()
}
