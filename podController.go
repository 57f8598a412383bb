package main

import (
	"context"
	"fmt"
	"sort"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
)

func (c *gatewayHealthController) buildInstancesHealthResult(ctx context.Context, serviceName string) (fthealth.HealthResult, error) {
	desc := fmt.Sprintf("Health of the instances the gateway balances for service %s.", serviceName)

	checkResults, err := c.runInstanceChecksFor(ctx, serviceName)
	if err != nil {
		return fthealth.HealthResult{}, fmt.Errorf("cannot perform instance checks for service %s: %w", serviceName, err)
	}

	finalOk, finalSeverity := getFinalResult(checkResults)

	health := fthealth.HealthResult{
		Checks:        checkResults,
		Description:   desc,
		Name:          c.environment + " api gateway instances health",
		SchemaVersion: 1,
		Ok:            finalOk,
		Severity:      finalSeverity,
	}

	sort.Sort(byNameComparator(health.Checks))

	return health, nil
}

func (c *gatewayHealthController) runInstanceChecksFor(ctx context.Context, serviceName string) ([]fthealth.CheckResult, error) {
	instances, err := c.discovery.getInstances(ctx, serviceName)
	if err != nil {
		return []fthealth.CheckResult{}, err
	}

	checks := make([]fthealth.Check, len(instances))
	for i, instance := range instances {
		checks[i] = newInstanceHealthCheck(ctx, instance, c.client)
	}

	return fthealth.RunCheck(fthealth.HealthCheck{
		SystemCode:  systemCode,
		Name:        "UPP API Gateway",
		Description: "Forced instance check run",
		Checks:      checks,
	}).Checks, nil
}

func newInstanceHealthCheck(ctx context.Context, instance serviceInstance, client httpClient) fthealth.Check {
	return fthealth.Check{
		BusinessImpact:   "On its own this failure does not have a business impact but the gateway will route less traffic to the instance.",
		Name:             fmt.Sprintf("%s (%s)", instance.id, instance.zone),
		PanicGuide:       panicGuide,
		Severity:         defaultSeverity,
		TechnicalSummary: "The instance is not healthy. Please check the panic guide.",
		Checker: func() (string, error) {
			if !instance.isUp() {
				return "", fmt.Errorf("instance is reported %s by discovery", instance.status)
			}
			if err := checkInstanceHealth(ctx, client, instance); err != nil {
				return "", err
			}
			return fmt.Sprintf("instance %s is serving", instance.address()), nil
		},
	}
}
