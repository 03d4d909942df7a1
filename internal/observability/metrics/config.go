package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Config labels every collector with the service identity.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) labels() prometheus.Labels {
	service := strings.TrimSpace(c.ServiceName)
	if service == "" {
		service = "meterflow"
	}
	env := strings.TrimSpace(c.Environment)
	if env == "" {
		env = "unknown"
	}
	return prometheus.Labels{"service": service, "env": env}
}
