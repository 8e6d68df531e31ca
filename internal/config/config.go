// Package config loads launcher configuration from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"studyrunner/internal/logger"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Runtime names accepted by the runtime key.
const (
	RuntimeShell      = "shell"
	RuntimeExec       = "exec"
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// Config holds all configuration values for launching crossoverstudy.
type Config struct {
	// Program is the executable (name or path) of crossoverstudy.
	Program string

	// Runtime selects the execution backend: shell, exec, docker or kubernetes.
	Runtime string

	// Shell overrides the interpreter used by the shell runtime.
	Shell string

	// WorkDir is the child's working directory (host side).
	WorkDir string

	// Container settings
	DockerImage   string
	DockerWorkDir string

	// Kubernetes settings
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string
	// PersistentVolumeClaim mounted at DockerWorkDir in study pods.
	KubernetesDataClaim string

	LogLevel string

	// OTLP gRPC collector; empty disables tracing.
	OTELEndpoint string

	MetricsEnabled bool
}

// Load reads configuration. If path is empty, ./crossoverstudy.yaml is used
// when present. Environment variables use the CROSSOVERSTUDY_ prefix, except
// OTEL_EXPORTER_OTLP_ENDPOINT.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("program", "crossoverstudy")
	v.SetDefault("runtime", RuntimeShell)
	v.SetDefault("shell", "")
	v.SetDefault("workdir", "")
	v.SetDefault("docker_image", "crossoverstudy:latest")
	v.SetDefault("docker_workdir", "/work")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_service_account", "")
	v.SetDefault("kubernetes_cpu_limit", "500m")
	v.SetDefault("kubernetes_memory_limit", "256Mi")
	v.SetDefault("kubernetes_data_claim", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("metrics_enabled", false)

	v.SetEnvPrefix("CROSSOVERSTUDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("crossoverstudy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Program:                  v.GetString("program"),
		Runtime:                  strings.ToLower(v.GetString("runtime")),
		Shell:                    v.GetString("shell"),
		WorkDir:                  v.GetString("workdir"),
		DockerImage:              v.GetString("docker_image"),
		DockerWorkDir:            v.GetString("docker_workdir"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		KubernetesDataClaim:      v.GetString("kubernetes_data_claim"),
		LogLevel:                 v.GetString("log_level"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		MetricsEnabled:           v.GetBool("metrics_enabled"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Program == "" {
		return fmt.Errorf("program is required (env: CROSSOVERSTUDY_PROGRAM)")
	}

	switch c.Runtime {
	case RuntimeShell, RuntimeExec, RuntimeDocker, RuntimeKubernetes:
	default:
		return fmt.Errorf("invalid runtime %q: must be one of shell, exec, docker, kubernetes", c.Runtime)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if _, err := resource.ParseQuantity(c.KubernetesCPULimit); err != nil {
		return fmt.Errorf("invalid kubernetes_cpu_limit %q: %w", c.KubernetesCPULimit, err)
	}
	if _, err := resource.ParseQuantity(c.KubernetesMemoryLimit); err != nil {
		return fmt.Errorf("invalid kubernetes_memory_limit %q: %w", c.KubernetesMemoryLimit, err)
	}
	return nil
}
