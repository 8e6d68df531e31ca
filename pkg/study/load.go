package study

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"studyrunner/internal/config"
	"studyrunner/internal/logger"
	"studyrunner/internal/observability"
	"studyrunner/pkg/runtime"
)

// LoadRunner builds a Runner from configuration (see config.Load for the
// file and environment keys). Call Close when done with it.
func LoadRunner(ctx context.Context, configPath string) (*Runner, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var (
		shutdown []func(context.Context) error
		handler  http.Handler
	)
	closeAll := func() {
		(&Runner{shutdown: shutdown}).Close(ctx)
	}

	if cfg.OTELEndpoint != "" {
		stop, err := observability.InitTracer(ctx, instrumentationName, cfg.OTELEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		shutdown = append(shutdown, stop)
	}
	if cfg.MetricsEnabled {
		h, stop, err := observability.InitMetrics()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		handler = h
		shutdown = append(shutdown, stop)
	}

	rt, err := newRuntime(cfg, log)
	if err != nil {
		closeAll()
		return nil, err
	}

	r := NewRunner(rt, WithProgram(cfg.Program), WithLogger(log))
	r.metricsHandler = handler
	r.shutdown = shutdown

	log.Debug("runner configured", "runtime", cfg.Runtime, "program", cfg.Program)
	return r, nil
}

func newRuntime(cfg *config.Config, log *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeExec:
		return runtime.NewExecRuntime(cfg.WorkDir), nil
	case config.RuntimeDocker:
		rt, err := runtime.NewDockerRuntime(runtime.DockerConfig{
			Image:            cfg.DockerImage,
			HostWorkDir:      cfg.WorkDir,
			ContainerWorkDir: cfg.DockerWorkDir,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		return rt, nil
	case config.RuntimeKubernetes:
		rt, err := runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			Image:              cfg.DockerImage,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
			DataClaim:          cfg.KubernetesDataClaim,
			WorkDir:            cfg.DockerWorkDir,
			Logger:             log,
		})
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return runtime.NewShellRuntime(cfg.Shell, cfg.WorkDir), nil
	}
}
