package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return &Backend{
		clientset:    fake.NewSimpleClientset(),
		namespace:    "sandpit",
		executorPort: 8080,
		logger:       newTestLogger(t),
		config: config.KubernetesConfig{
			Namespace:    "sandpit",
			CSIEnabled:   true,
			StorageClass: "juicefs-sc",
		},
	}
}

func TestBackendKind(t *testing.T) {
	b := newTestBackend(t)
	assert.Equal(t, "kubernetes", b.Kind())
}

func TestBackendCreateAndInspect(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, sessionSpec())
	require.NoError(t, err)
	assert.Equal(t, "sandbox-sess-20250314-aabbccdd", id)

	// The workspace claim is created alongside the pod.
	claim, err := b.clientset.CoreV1().PersistentVolumeClaims("sandpit").
		Get(ctx, "workspace-sess-20250314-aabbccdd", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "juicefs-sc", *claim.Spec.StorageClassName)

	// Inspect accepts the raw scheduler name as well as the pod name.
	status, err := b.Inspect(ctx, "sandbox-sess_20250314_aabbccdd")
	require.NoError(t, err)
	assert.Equal(t, id, status.ID)
	assert.Equal(t, "sess_20250314_aabbccdd", status.Labels[backend.LabelSessionID])
}

func TestBackendInspectNotFound(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Inspect(context.Background(), "sandbox-sess_19990101_00000000")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestBackendIsRunning(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	running, err := b.IsRunning(ctx, "sandbox-sess_19990101_00000000")
	require.NoError(t, err, "a vanished pod is not an error")
	assert.False(t, running)

	id, err := b.Create(ctx, sessionSpec())
	require.NoError(t, err)

	running, err = b.IsRunning(ctx, id)
	require.NoError(t, err)
	assert.False(t, running, "pod not yet through the kubelet")

	setPodPhase(t, b, id, corev1.PodRunning)

	running, err = b.IsRunning(ctx, id)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestBackendRemoveIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, sessionSpec())
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, id, true))
	require.NoError(t, b.Remove(ctx, id, true), "removing a removed pod succeeds")

	_, err = b.clientset.CoreV1().PersistentVolumeClaims("sandpit").
		Get(ctx, "workspace-sess-20250314-aabbccdd", metav1.GetOptions{})
	assert.Error(t, err, "workspace claim is removed with the pod")
}

func TestBackendStopMissing(t *testing.T) {
	b := newTestBackend(t)

	err := b.Stop(context.Background(), "sandbox-sess_19990101_00000000", 10*time.Second)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestBackendList(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first := sessionSpec()
	_, err := b.Create(ctx, first)
	require.NoError(t, err)

	second := sessionSpec()
	second.Name = "sandbox-sess_20250314_11223344"
	second.Labels = map[string]string{
		backend.LabelSessionID: "sess_20250314_11223344",
		backend.LabelManagedBy: backend.ManagedByValue,
	}
	second.Workspace = backend.WorkspaceSpec{}
	_, err = b.Create(ctx, second)
	require.NoError(t, err)

	all, err := b.List(ctx, map[string]string{backend.LabelManagedBy: backend.ManagedByValue})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := b.List(ctx, map[string]string{backend.LabelSessionID: "sess_20250314_11223344"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "sandbox-sess-20250314-11223344", one[0].Name)
	assert.Equal(t, "sandpit/python:3.11", one[0].Image)
}

func TestBackendWaitExited(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, sessionSpec())
	require.NoError(t, err)

	pod, err := b.clientset.CoreV1().Pods("sandpit").Get(ctx, id, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = corev1.PodSucceeded
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: executorContainer,
		State: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{ExitCode: 3},
		},
	}}
	_, err = b.clientset.CoreV1().Pods("sandpit").Update(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, err := b.Wait(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, backend.WaitStatusExited, result.Status)
	assert.Equal(t, 3, result.ExitCode)
}

func TestBackendWaitTimeout(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, sessionSpec())
	require.NoError(t, err)
	setPodPhase(t, b, id, corev1.PodRunning)

	result, err := b.Wait(ctx, id, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, backend.WaitStatusTimeout, result.Status)
	assert.Equal(t, backend.TimeoutExitCode, result.ExitCode)
}

func TestBackendWaitCallerCanceled(t *testing.T) {
	b := newTestBackend(t)

	id, err := b.Create(context.Background(), sessionSpec())
	require.NoError(t, err)
	setPodPhase(t, b, id, corev1.PodRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Wait(ctx, id, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackendPing(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	err := b.Ping(ctx)
	assert.ErrorIs(t, err, backend.ErrUnavailable, "namespace missing")

	_, err = b.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "sandpit"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	assert.NoError(t, b.Ping(ctx))
}

func setPodPhase(t *testing.T, b *Backend, name string, phase corev1.PodPhase) {
	t.Helper()
	ctx := context.Background()
	pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = phase
	_, err = b.clientset.CoreV1().Pods(b.namespace).Update(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}
