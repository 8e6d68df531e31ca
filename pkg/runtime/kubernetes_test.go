package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func testKubernetesRuntime(t *testing.T, clientset *fake.Clientset, cfg KubernetesConfig) *KubernetesRuntime {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = "test-ns"
	}
	if cfg.Image == "" {
		cfg.Image = "crossoverstudy:latest"
	}
	rt, err := newKubernetesRuntime(clientset, cfg)
	if err != nil {
		t.Fatalf("newKubernetesRuntime() failed: %v", err)
	}
	return rt
}

func TestKubernetesRuntime_Start_CreatesJob(t *testing.T) {
	clientset := fake.NewClientset()
	rt := testKubernetesRuntime(t, clientset, KubernetesConfig{})

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{
		Name:    "0b7c",
		Command: []string{"crossoverstudy", "tsp", "--infile", "in.txt"},
		Env:     map[string]string{RunIDEnv: "0b7c"},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if handle == nil {
		t.Fatal("expected handle to be non-nil")
	}

	jobs, err := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs.Items) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.Items))
	}

	job := jobs.Items[0]
	if job.Name != "crossoverstudy-0b7c" {
		t.Errorf("expected job name crossoverstudy-0b7c, got %s", job.Name)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if c.Image != "crossoverstudy:latest" {
		t.Errorf("expected image crossoverstudy:latest, got %s", c.Image)
	}
	if len(c.Command) != 4 {
		t.Errorf("expected 4 command args, got %d", len(c.Command))
	}
	if job.Labels[managedByLabel] != "crossoverstudy" {
		t.Error("expected managed-by label to be 'crossoverstudy'")
	}
	if job.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected restart policy Never, got %s", job.Spec.Template.Spec.RestartPolicy)
	}
}

func TestKubernetesRuntime_Start_RequiresImage(t *testing.T) {
	rt, err := newKubernetesRuntime(fake.NewClientset(), KubernetesConfig{Namespace: "test-ns"})
	if err != nil {
		t.Fatalf("newKubernetesRuntime() failed: %v", err)
	}

	_, err = rt.Start(context.Background(), StartOptions{Command: []string{"crossoverstudy"}})
	if err == nil || !strings.Contains(err.Error(), "image is required") {
		t.Errorf("expected image error, got %v", err)
	}
}

func TestKubernetesRuntime_Start_WithServiceAccount(t *testing.T) {
	clientset := fake.NewClientset()
	rt := testKubernetesRuntime(t, clientset, KubernetesConfig{ServiceAccount: "study-sa"})

	ctx := context.Background()
	if _, err := rt.Start(ctx, StartOptions{Command: []string{"crossoverstudy"}}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if sa := jobs.Items[0].Spec.Template.Spec.ServiceAccountName; sa != "study-sa" {
		t.Errorf("expected service account 'study-sa', got '%s'", sa)
	}
}

func TestKubernetesRuntime_Start_SetsResourceLimits(t *testing.T) {
	clientset := fake.NewClientset()
	rt := testKubernetesRuntime(t, clientset, KubernetesConfig{
		DefaultCPULimit:    "1",
		DefaultMemoryLimit: "512Mi",
	})

	ctx := context.Background()
	if _, err := rt.Start(ctx, StartOptions{Command: []string{"crossoverstudy"}}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	c := jobs.Items[0].Spec.Template.Spec.Containers[0]

	if cpu := c.Resources.Limits.Cpu().String(); cpu != "1" {
		t.Errorf("expected CPU limit '1', got '%s'", cpu)
	}
	if mem := c.Resources.Limits.Memory().String(); mem != "512Mi" {
		t.Errorf("expected memory limit '512Mi', got '%s'", mem)
	}
}

func TestKubernetesRuntime_DefaultLimits(t *testing.T) {
	rt, err := newKubernetesRuntime(fake.NewClientset(), KubernetesConfig{})
	if err != nil {
		t.Fatalf("newKubernetesRuntime() failed: %v", err)
	}

	if rt.config.Namespace != "default" {
		t.Errorf("expected namespace default, got %s", rt.config.Namespace)
	}
	if rt.config.DefaultCPULimit != "500m" || rt.config.DefaultMemoryLimit != "256Mi" {
		t.Errorf("unexpected default limits: %+v", rt.config)
	}
}

func TestKubernetesRuntime_InvalidResourceLimits(t *testing.T) {
	tests := []struct {
		name string
		cfg  KubernetesConfig
		want string
	}{
		{"cpu", KubernetesConfig{DefaultCPULimit: "lots"}, "invalid cpu limit"},
		{"memory", KubernetesConfig{DefaultMemoryLimit: "12 gigs"}, "invalid memory limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := newKubernetesRuntime(fake.NewClientset(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
			if rt != nil {
				t.Error("expected no runtime for invalid limits")
			}
		})
	}
}

func TestKubernetesRuntime_Start_SetsBackoffLimitToZero(t *testing.T) {
	clientset := fake.NewClientset()
	rt := testKubernetesRuntime(t, clientset, KubernetesConfig{})

	ctx := context.Background()
	_, _ = rt.Start(ctx, StartOptions{Command: []string{"crossoverstudy"}})

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if *jobs.Items[0].Spec.BackoffLimit != 0 {
		t.Errorf("expected backoff limit 0, got %d", *jobs.Items[0].Spec.BackoffLimit)
	}
}

func TestKubernetesRuntime_Start_SetsEnvVars(t *testing.T) {
	clientset := fake.NewClientset()
	rt := testKubernetesRuntime(t, clientset, KubernetesConfig{})

	ctx := context.Background()
	_, err := rt.Start(ctx, StartOptions{
		Command: []string{"crossoverstudy"},
		Env: map[string]string{
			RunIDEnv: "abc",
			"FOO":    "bar",
		},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	c := jobs.Items[0].Spec.Template.Spec.Containers[0]

	envMap := make(map[string]string)
	for _, env := range c.Env {
		envMap[env.Name] = env.Value
	}
	if len(envMap) != 2 || envMap[RunIDEnv] != "abc" || envMap["FOO"] != "bar" {
		t.Errorf("unexpected env vars: %v", envMap)
	}
}

func TestKubernetesRuntime_JobSpec_LabelsRunID(t *testing.T) {
	rt := testKubernetesRuntime(t, fake.NewClientset(), KubernetesConfig{})

	job, err := rt.jobSpec(StartOptions{Name: "0b7c", Command: []string{"crossoverstudy"}})
	if err != nil {
		t.Fatalf("jobSpec() failed: %v", err)
	}
	if job.Labels[runIDLabel] != "0b7c" {
		t.Errorf("expected run-id label on job, got %v", job.Labels)
	}
	podLabels := job.Spec.Template.Labels
	if podLabels[runIDLabel] != "0b7c" || podLabels["job-name"] != job.Name {
		t.Errorf("unexpected pod labels: %v", podLabels)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if !c.Resources.Requests.Cpu().Equal(*c.Resources.Limits.Cpu()) {
		t.Errorf("expected CPU request to equal limit, got %v / %v", c.Resources.Requests.Cpu(), c.Resources.Limits.Cpu())
	}
	if c.WorkingDir != "/work" {
		t.Errorf("expected working dir /work, got %s", c.WorkingDir)
	}
	if len(job.Spec.Template.Spec.Volumes) != 0 {
		t.Error("expected no volumes without a data claim")
	}
}

func TestKubernetesRuntime_JobSpec_MountsDataClaim(t *testing.T) {
	rt := testKubernetesRuntime(t, fake.NewClientset(), KubernetesConfig{
		DataClaim: "study-inputs",
		WorkDir:   "/data",
	})

	job, err := rt.jobSpec(StartOptions{Command: []string{"crossoverstudy"}})
	if err != nil {
		t.Fatalf("jobSpec() failed: %v", err)
	}

	volumes := job.Spec.Template.Spec.Volumes
	if len(volumes) != 1 || volumes[0].PersistentVolumeClaim == nil || volumes[0].PersistentVolumeClaim.ClaimName != "study-inputs" {
		t.Fatalf("expected study-inputs claim volume, got %+v", volumes)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if len(c.VolumeMounts) != 1 || c.VolumeMounts[0].MountPath != "/data" || c.VolumeMounts[0].Name != volumes[0].Name {
		t.Errorf("unexpected volume mounts: %+v", c.VolumeMounts)
	}
	if c.WorkingDir != "/data" {
		t.Errorf("expected working dir /data, got %s", c.WorkingDir)
	}
}

func TestKubernetesRuntime_JobSpec_RequiresCommand(t *testing.T) {
	rt := testKubernetesRuntime(t, fake.NewClientset(), KubernetesConfig{})

	if _, err := rt.jobSpec(StartOptions{}); err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Errorf("expected command error, got %v", err)
	}
}

func TestJobName(t *testing.T) {
	if got := jobName("ABC-123"); got != "crossoverstudy-abc-123" {
		t.Errorf("expected lowercase job name, got %s", got)
	}

	long := jobName(strings.Repeat("a", 80))
	if len(long) > 63 {
		t.Errorf("expected job name to fit 63 chars, got %d", len(long))
	}

	if got := jobName(""); !strings.HasPrefix(got, "crossoverstudy-") {
		t.Errorf("expected generated name, got %s", got)
	}
}

func TestPodExitResult(t *testing.T) {
	running := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning}}
	if _, done := podExitResult(running); done {
		t.Error("running pod must not be terminal")
	}

	succeeded := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodSucceeded}}
	if res, done := podExitResult(succeeded); !done || res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %+v (done=%v)", res, done)
	}

	failed := &corev1.Pod{Status: corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name: containerName,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
				ExitCode: 2,
				Reason:   "Error",
			}},
		}},
	}}
	res, done := podExitResult(failed)
	if !done || res.ExitCode != 2 {
		t.Errorf("expected exit 2, got %+v (done=%v)", res, done)
	}
	if res.Error == nil || res.Error.Error() != "Error" {
		t.Errorf("expected termination reason as error, got %v", res.Error)
	}

	noStatus := &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodFailed}}
	if res, _ := podExitResult(noStatus); res.ExitCode != -1 {
		t.Errorf("expected exit -1 without container status, got %d", res.ExitCode)
	}
}

func TestKubernetesHandle_Cleanup_DeletesJob(t *testing.T) {
	existingJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-job",
			Namespace: "test-ns",
		},
	}
	clientset := fake.NewClientset(existingJob)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "test-job",
	}

	ctx := context.Background()
	if err := handle.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("expected 0 jobs after delete, got %d", len(jobs.Items))
	}
}

func TestKubernetesHandle_WaitForPod_FindsPod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-pod",
			Namespace: "test-ns",
			Labels:    map[string]string{"job-name": "test-job"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
		},
	}
	clientset := fake.NewClientset(pod)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "test-job",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	podName, err := handle.waitForPod(ctx)
	if err != nil {
		t.Fatalf("waitForPod failed: %v", err)
	}
	if podName != "test-pod" {
		t.Errorf("expected pod name 'test-pod', got '%s'", podName)
	}
}

func TestKubernetesHandle_WaitForPod_Timeout(t *testing.T) {
	handle := &KubernetesHandle{
		clientset: fake.NewClientset(),
		namespace: "test-ns",
		jobName:   "test-job",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := handle.waitForPod(ctx); err == nil {
		t.Error("expected timeout error, got nil")
	}
}

// watchedHandle returns a handle whose job already has a pod, with pod
// watches served from the returned fake watcher.
func watchedHandle(t *testing.T, stdout io.Writer) (*KubernetesHandle, *watch.FakeWatcher) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "study-pod",
			Namespace: "test-ns",
			Labels:    map[string]string{"job-name": "study-job"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	clientset := fake.NewClientset(pod)

	watcher := watch.NewFakeWithChanSize(2, false)
	clientset.PrependWatchReactor("pods", k8stesting.DefaultWatchReactor(watcher, nil))

	return &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "study-job",
		stdout:    stdout,
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, watcher
}

func terminatedPod(phase corev1.PodPhase, exitCode int32) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "study-pod", Namespace: "test-ns"},
		Status: corev1.PodStatus{
			Phase: phase,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name: containerName,
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
					ExitCode: exitCode,
				}},
			}},
		},
	}
}

func TestKubernetesHandle_Wait_FailedPodExitCode(t *testing.T) {
	handle, watcher := watchedHandle(t, nil)
	watcher.Modify(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "study-pod", Namespace: "test-ns"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	})
	watcher.Modify(terminatedPod(corev1.PodFailed, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v, want nil for a non-zero exit", err)
	}
	if res.ExitCode != 3 || res.Error != nil {
		t.Errorf("expected ExitResult{ExitCode: 3}, got %+v", res)
	}
	if handle.podName != "study-pod" {
		t.Errorf("expected pod name study-pod, got %q", handle.podName)
	}
}

func TestKubernetesHandle_Wait_CopiesLogsOnSuccess(t *testing.T) {
	var out bytes.Buffer
	handle, watcher := watchedHandle(t, &out)
	watcher.Modify(terminatedPod(corev1.PodSucceeded, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	// The fake clientset serves a fixed log body.
	if out.String() != "fake logs" {
		t.Errorf("expected pod logs to be copied, got %q", out.String())
	}
}

func TestKubernetesHandle_Wait_WatchError(t *testing.T) {
	handle, watcher := watchedHandle(t, nil)
	watcher.Error(&metav1.Status{Status: metav1.StatusFailure, Message: "too old resource version"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "watch error on pod study-pod") {
		t.Fatalf("expected watch error, got %v", err)
	}
	if res.ExitCode != -1 || res.Error == nil {
		t.Errorf("expected exit -1 with error, got %+v", res)
	}
}

func TestKubernetesHandle_Wait_WatchClosed(t *testing.T) {
	handle, watcher := watchedHandle(t, nil)
	watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "closed before completion") {
		t.Fatalf("expected closed-watch error, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit -1, got %d", res.ExitCode)
	}
}

func TestKubernetesRuntime_UsesConfiguredLogger(t *testing.T) {
	var logs bytes.Buffer
	rt := testKubernetesRuntime(t, fake.NewClientset(), KubernetesConfig{
		Logger: slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})

	if _, err := rt.Start(context.Background(), StartOptions{Name: "0b7c", Command: []string{"crossoverstudy"}}); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !strings.Contains(logs.String(), "created kubernetes job") || !strings.Contains(logs.String(), "crossoverstudy-0b7c") {
		t.Errorf("expected job creation in configured logger, got:\n%s", logs.String())
	}
}
