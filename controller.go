package main

import (
	"context"
	"fmt"
	"sort"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
)

const (
	systemCode = "upp-api-gateway"
	panicGuide = "https://runbooks.in.ft.com/upp-api-gateway"
)

type healthController interface {
	buildGatewayHealthResult() fthealth.HealthResult
	buildInstancesHealthResult(ctx context.Context, serviceName string) (fthealth.HealthResult, error)
	isGoodToGo() (bool, string)
}

type gatewayHealthController struct {
	environment string
	insights    *insightStore
	discovery   instanceDiscovery
	client      httpClient
}

func newGatewayHealthController(environment string, insights *insightStore, discovery instanceDiscovery, client httpClient) *gatewayHealthController {
	return &gatewayHealthController{
		environment: environment,
		insights:    insights,
		discovery:   discovery,
		client:      client,
	}
}

// buildGatewayHealthResult has one check per tracked circuit breaker. A check
// fails while its breaker is not CLOSED.
func (c *gatewayHealthController) buildGatewayHealthResult() fthealth.HealthResult {
	var checks []fthealth.Check
	for _, insight := range c.insights.all() {
		checks = append(checks, newBreakerHealthCheck(insight))
	}

	checkResults := fthealth.RunCheck(fthealth.HealthCheck{
		SystemCode:  systemCode,
		Name:        "UPP API Gateway",
		Description: "Circuit breakers of the downstream services behind the gateway",
		Checks:      checks,
	}).Checks

	finalOk, finalSeverity := getFinalResult(checkResults)

	health := fthealth.HealthResult{
		Checks:        checkResults,
		Description:   "Health of the downstream services as seen by the gateway circuit breakers.",
		Name:          c.environment + " api gateway health",
		SchemaVersion: 1,
		Ok:            finalOk,
		Severity:      finalSeverity,
	}

	sort.Sort(byNameComparator(health.Checks))
	return health
}

func newBreakerHealthCheck(insight *circuitBreakerInsight) fthealth.Check {
	return fthealth.Check{
		BusinessImpact:   "Requests routed to this service are answered with a fallback while the circuit is not closed.",
		Name:             insight.name,
		PanicGuide:       panicGuide,
		Severity:         severityForPriority(insight.priority),
		TechnicalSummary: "The circuit breaker of the service is not closed. Please check the panic guide.",
		Checker: func() (string, error) {
			if insight.state != stateClosed {
				return "", fmt.Errorf("circuit breaker is %s, failure rate %.2f%%", insight.state, insight.failureRate)
			}
			return fmt.Sprintf("circuit breaker is %s", insight.state), nil
		},
	}
}

// isGoodToGo fails while any critical breaker is OPEN.
func (c *gatewayHealthController) isGoodToGo() (bool, string) {
	for _, insight := range c.insights.all() {
		if insight.priority == priorityCritical && insight.state == stateOpen {
			return false, fmt.Sprintf("critical circuit breaker %s is open", insight.name)
		}
	}
	return true, ""
}

func getFinalResult(checkResults []fthealth.CheckResult) (bool, uint8) {
	finalOk := true
	var finalSeverity uint8 = defaultSeverity

	for _, checkResult := range checkResults {
		if !checkResult.Ok {
			finalOk = false

			if checkResult.Severity < finalSeverity {
				finalSeverity = checkResult.Severity
			}
		}
	}

	return finalOk, finalSeverity
}

type byNameComparator []fthealth.CheckResult

func (s byNameComparator) Len() int {
	return len(s)
}

func (s byNameComparator) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s byNameComparator) Less(i, j int) bool {
	return s[i].Name < s[j].Name
}
