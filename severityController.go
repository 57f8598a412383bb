package main

const (
	defaultSeverity  = uint8(2)
	criticalSeverity = uint8(1)
)

func severityForPriority(priority breakerPriority) uint8 {
	if priority == priorityCritical {
		return criticalSeverity
	}
	return defaultSeverity
}
