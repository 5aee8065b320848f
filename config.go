package eventbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/monitor"
)

// Defaults applied to zero Config fields
const (
	DefaultPort          = 5672
	DefaultVHost         = "/"
	DefaultPrefetchCount = 10
)

// Config describes how to reach the broker and who is talking to it
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ServiceName prefixes every queue this service consumes from and is
	// the routing key and app id of everything it publishes.
	ServiceName    string `yaml:"serviceName"`
	VHost          string `yaml:"vhost"`
	ManagementPort int    `yaml:"managementPort"`
	PrefetchCount  int    `yaml:"prefetchCount"`
}

// WithDefaults returns a copy with zero fields set to their defaults
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.VHost == "" {
		c.VHost = DefaultVHost
	}
	if c.ManagementPort == 0 {
		c.ManagementPort = monitor.DefaultManagementPort
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = DefaultPrefetchCount
	}
	return c
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	} else if strings.ContainsAny(c.ServiceName, " \t\r\n") {
		errs = append(errs, fmt.Errorf("service name %q must not contain whitespace", c.ServiceName))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ManagementPort < 0 || c.ManagementPort > 65535 {
		errs = append(errs, fmt.Errorf("management port %d out of range", c.ManagementPort))
	}
	if c.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("prefetch count %d must not be negative", c.PrefetchCount))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// URL returns the AMQP URI for the configuration
func (c Config) URL() string {
	c = c.WithDefaults()
	return rabbitmq.URL(c.Host, c.Port, c.Username, c.Password, c.VHost)
}
