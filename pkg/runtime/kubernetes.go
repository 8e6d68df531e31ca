package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	runIDLabel     = "crossoverstudy.io/run-id"
	containerName  = "crossoverstudy"
	dataVolume     = "study-data"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	Namespace      string
	ServiceAccount string // optional
	// Image used when StartOptions.Image is empty.
	Image string
	// Per-pod CPU and memory, applied as both request and limit.
	DefaultCPULimit    string
	DefaultMemoryLimit string
	// DataClaim names a PersistentVolumeClaim holding the input files and
	// result databases. It is mounted at WorkDir. Without it, relative
	// infile/db paths resolve inside the image.
	DataClaim string
	WorkDir   string // default /work
	// Logger receives runtime diagnostics; nil uses slog.Default().
	Logger *slog.Logger
}

// KubernetesRuntime implements the Runtime interface using Kubernetes Jobs.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	quota     corev1.ResourceList
	logger    *slog.Logger
}

// KubernetesHandle represents a running Kubernetes Job.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string // Populated after pod starts
	stdout    io.Writer
	logger    *slog.Logger
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a new Kubernetes-based runtime.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		loggerOr(cfg.Logger).Debug("in-cluster config not available, using kubeconfig", "kubeconfig", kubeconfig, "error", err)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return newKubernetesRuntime(clientset, cfg)
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig) (*KubernetesRuntime, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/work"
	}

	cpu, err := resource.ParseQuantity(cfg.DefaultCPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu limit %q: %w", cfg.DefaultCPULimit, err)
	}
	mem, err := resource.ParseQuantity(cfg.DefaultMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", cfg.DefaultMemoryLimit, err)
	}

	return &KubernetesRuntime{
		clientset: clientset,
		config:    cfg,
		quota:     corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem},
		logger:    loggerOr(cfg.Logger),
	}, nil
}

// jobName derives a DNS-1123 compliant Job name from the run name.
func jobName(runName string) string {
	if runName == "" {
		return fmt.Sprintf("crossoverstudy-%d", time.Now().UnixNano())
	}
	name := "crossoverstudy-" + strings.ToLower(runName)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// jobSpec builds the Job for a run.
func (k *KubernetesRuntime) jobSpec(opts StartOptions) (*batchv1.Job, error) {
	img := opts.Image
	if img == "" {
		img = k.config.Image
	}
	if img == "" {
		return nil, fmt.Errorf("image is required")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	name := jobName(opts.Name)
	labels := map[string]string{managedByLabel: "crossoverstudy"}
	if opts.Name != "" {
		labels[runIDLabel] = opts.Name
	}
	podLabels := map[string]string{"job-name": name}
	for key, val := range labels {
		podLabels[key] = val
	}

	envVars := make([]corev1.EnvVar, 0, len(opts.Env))
	for key, value := range opts.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}
	sort.Slice(envVars, func(i, j int) bool { return envVars[i].Name < envVars[j].Name })

	study := corev1.Container{
		Name:       containerName,
		Image:      img,
		Command:    opts.Command,
		Env:        envVars,
		WorkingDir: k.config.WorkDir,
		Resources:  corev1.ResourceRequirements{Requests: k.quota.DeepCopy(), Limits: k.quota.DeepCopy()},
	}
	pod := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: k.config.ServiceAccount,
	}
	if k.config.DataClaim != "" {
		pod.Volumes = []corev1.Volume{{
			Name: dataVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: k.config.DataClaim},
			},
		}}
		study.VolumeMounts = []corev1.VolumeMount{{Name: dataVolume, MountPath: k.config.WorkDir}}
	}
	pod.Containers = []corev1.Container{study}

	// A failed study run is reported, not repeated.
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       pod,
			},
		},
	}, nil
}

// Start implements Runtime.Start by creating a Kubernetes Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	job, err := k.jobSpec(opts)
	if err != nil {
		return nil, err
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	k.logger.Debug("created kubernetes job", "job", created.Name, "namespace", k.config.Namespace)

	h := &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		jobName:   created.Name,
		logger:    k.logger,
	}
	if !opts.SuppressOutput {
		h.stdout = stdoutFor(opts)
	}
	return h, nil
}

// podExitResult reports the result of a pod in a terminal phase.
func podExitResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		result := ExitResult{ExitCode: -1}
		if cs := studyContainerStatus(pod); cs != nil && cs.State.Terminated != nil {
			result.ExitCode = int(cs.State.Terminated.ExitCode)
			if cs.State.Terminated.Reason != "" {
				result.Error = errors.New(cs.State.Terminated.Reason)
			}
		}
		return result, true
	}
	return ExitResult{}, false
}

func studyContainerStatus(pod *corev1.Pod) *corev1.ContainerStatus {
	statuses := pod.Status.ContainerStatuses
	for i := range statuses {
		if statuses[i].Name == containerName {
			return &statuses[i]
		}
	}
	if len(statuses) > 0 {
		return &statuses[0]
	}
	return nil
}

// Wait blocks until the job's pod reaches a terminal phase, then copies the
// pod's logs to stdout unless output is suppressed.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	h.podName = podName

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			err := fmt.Errorf("watch error on pod %s", podName)
			return ExitResult{ExitCode: -1, Error: err}, err
		}

		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		if result, done := podExitResult(pod); done {
			if h.stdout != nil {
				if err := h.copyLogs(ctx); err != nil {
					loggerOr(h.logger).Warn("failed to copy pod logs", "pod", podName, "error", err)
				}
			}
			return result, nil
		}
	}

	err = ctx.Err()
	if err == nil {
		err = fmt.Errorf("watch on pod %s closed before completion", podName)
	}
	return ExitResult{ExitCode: -1, Error: err}, err
}

func (h *KubernetesHandle) copyLogs(ctx context.Context) error {
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: containerName,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(h.stdout, rc)
	return err
}

// waitForPod waits for the job's pod to be created and returns its name.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// Cleanup deletes the Kubernetes Job and its pods.
func (h *KubernetesHandle) Cleanup(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}
