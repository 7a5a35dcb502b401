package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "appsettings.json"

const envSectionSeparator = "__"

// defaults registers every known key so environment overrides can find it.
var defaults = map[string]any{
	"EventsSystem":                                   "",
	"DocumentDbConfig.DbBackend":                     "",
	"DocumentDbConfig.CosmosConfig.Endpoint":         "",
	"DocumentDbConfig.CosmosConfig.Key":              "",
	"DocumentDbConfig.CosmosConfig.DatabaseId":       "",
	"DocumentDbConfig.CosmosConfig.ContainerId":      "",
	"DocumentDbConfig.MartenConfig.ConnectionString": "",
	"DocumentDbConfig.MartenConfig.SchemaName":       "public",
	"ServiceBusConsumerConfig.ConnectionString":      "",
	"ServiceBusConsumerConfig.SubscriptionName":      "",
	"ServiceBusConsumerConfig.MaxMessages":           10,
	"EventHubConsumerConfig.ConnectionString":        "",
	"EventHubConsumerConfig.ConsumerGroup":           "$Default",
	"RabbitMQConsumerConfig.Url":                     "",
	"RabbitMQConsumerConfig.QueueSuffix":             "identity-history",
	"kafka.BootstrapServers":                         "",
	"kafka.GroupId":                                  "identity-history-consumer",
	"Logging.LogLevel":                               "Information",
	"PoisonQueue":                                    "",
	"Retry.MaxRetries":                               5,
	"Retry.InitialInterval":                          time.Second,
	"Retry.MaxInterval":                              16 * time.Second,
	"Metrics.Enabled":                                false,
	"Metrics.Port":                                   0,
	"ShutdownTimeout":                                30 * time.Second,
	"ProbeTimeout":                                   30 * time.Second,
}

// Load reads the settings file at path (DefaultFile when empty) and overlays
// the process environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Environ())
}

// LoadWithEnv is Load with an explicit environment in "KEY=value" form.
// Environment keys use "__" between sections and match case-insensitively,
// so DocumentDbConfig__DbBackend overrides DocumentDbConfig.DbBackend.
func LoadWithEnv(path string, environ []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvironment(v, environ)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// applyEnvironment overrides known keys from the environment. viper keys are
// lower case, which gives the case-insensitive match settings files expect.
func applyEnvironment(v *viper.Viper, environ []string) {
	known := make(map[string]struct{}, len(defaults))
	for _, key := range v.AllKeys() {
		known[key] = struct{}{}
	}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(name, envSectionSeparator, "."))
		if _, ok := known[key]; ok {
			v.Set(key, value)
		}
	}
}
