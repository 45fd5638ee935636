// Package kubernetes runs sandbox containers as Pods.
//
// Each sandbox maps to a single hardened Pod; workspaces in object
// storage are mounted through a CSI-provisioned claim or, without the
// driver, a privileged FUSE sidecar. Ids are pod names, so warm-pool
// and session containers can be addressed by the name the scheduler
// generated.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
)

const waitPollInterval = 2 * time.Second

// Backend runs sandbox containers as Pods in a single namespace.
type Backend struct {
	clientset    k8s.Interface
	namespace    string
	executorPort int
	logger       *logger.Logger
	config       config.KubernetesConfig

	// Pod names whose disappearance was already logged, so the
	// reconciler does not repeat the warning every cycle.
	missingLogged sync.Map
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Kubernetes backend. It prefers in-cluster credentials
// and falls back to the standard kubeconfig loading rules, honoring an
// explicit path from config.
func New(cfg config.KubernetesConfig, executorPort int, log *logger.Logger) (*Backend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cfg.Kubeconfig != "" {
			loadingRules.ExplicitPath = cfg.Kubeconfig
		}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		restConfig, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	log.Info("Kubernetes backend created",
		zap.String("namespace", cfg.Namespace),
		zap.Bool("csi_enabled", cfg.CSIEnabled),
	)

	return &Backend{
		clientset:    clientset,
		namespace:    cfg.Namespace,
		executorPort: executorPort,
		logger:       log,
		config:       cfg,
	}, nil
}

func (b *Backend) Kind() string {
	return "kubernetes"
}

// Close is a no-op; client-go holds no connections that need closing.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Create(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	pod, claim := buildPod(spec, b.namespace, b.executorPort, b.config)

	b.logger.Info("Creating pod",
		zap.String("pod", pod.Name),
		zap.String("image", spec.Image),
		zap.Bool("csi_workspace", claim != nil),
	)

	if claim != nil {
		_, err := b.clientset.CoreV1().PersistentVolumeClaims(b.namespace).Create(ctx, claim, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return "", wrapK8sErr(err, fmt.Sprintf("create workspace claim %s", claim.Name))
		}
	}

	if _, err := b.clientset.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if claim != nil {
			// Best effort: do not leave an orphaned claim behind.
			_ = b.clientset.CoreV1().PersistentVolumeClaims(b.namespace).Delete(ctx, claim.Name, metav1.DeleteOptions{})
		}
		b.logger.Error("Failed to create pod", zap.String("pod", pod.Name), zap.Error(err))
		return "", wrapK8sErr(err, fmt.Sprintf("create pod %s", pod.Name))
	}

	return pod.Name, nil
}

// Start is a no-op: pods begin running when created.
func (b *Backend) Start(ctx context.Context, id string) error {
	return nil
}

// Stop deletes the pod with the requested grace period; Kubernetes has
// no stopped-but-present state for bare pods.
func (b *Backend) Stop(ctx context.Context, id string, grace time.Duration) error {
	name := podName(id)
	b.logger.Info("Deleting pod", zap.String("pod", name), zap.Duration("grace", grace))

	err := b.clientset.CoreV1().Pods(b.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(grace.Seconds())),
	})
	if err != nil {
		return wrapK8sErr(err, fmt.Sprintf("delete pod %s", name))
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string, force bool) error {
	name := podName(id)

	opts := metav1.DeleteOptions{}
	if force {
		opts.GracePeriodSeconds = ptr.To(int64(0))
	}
	err := b.clientset.CoreV1().Pods(b.namespace).Delete(ctx, name, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr(err, fmt.Sprintf("delete pod %s", name))
	}

	err = b.clientset.CoreV1().PersistentVolumeClaims(b.namespace).Delete(ctx, pvcName(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapK8sErr(err, fmt.Sprintf("delete workspace claim for pod %s", name))
	}
	return nil
}

func (b *Backend) Inspect(ctx context.Context, id string) (*backend.ContainerStatus, error) {
	name := podName(id)
	pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapK8sErr(err, fmt.Sprintf("get pod %s", name))
	}

	status := &backend.ContainerStatus{
		ID:        pod.Name,
		Name:      pod.Name,
		State:     normalizePhase(pod.Status.Phase),
		IPAddress: pod.Status.PodIP,
		Labels:    pod.Labels,
	}
	if pod.Status.StartTime != nil {
		status.StartedAt = pod.Status.StartTime.Time
	}
	if term := executorExit(pod); term != nil {
		status.ExitCode = int(term.ExitCode)
		status.FinishedAt = term.FinishedAt.Time
	}
	return status, nil
}

func (b *Backend) IsRunning(ctx context.Context, id string) (bool, error) {
	name := podName(id)
	pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			if _, logged := b.missingLogged.LoadOrStore(name, struct{}{}); !logged {
				b.logger.Warn("Pod no longer exists", zap.String("pod", name))
			}
			return false, nil
		}
		return false, wrapK8sErr(err, fmt.Sprintf("get pod %s", name))
	}
	return pod.Status.Phase == corev1.PodRunning, nil
}

func (b *Backend) Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error) {
	name := podName(id)

	opts := &corev1.PodLogOptions{Container: executorContainer}
	if tail > 0 {
		opts.TailLines = ptr.To(int64(tail))
	}
	if !since.IsZero() {
		opts.SinceTime = &metav1.Time{Time: since}
	}

	stream, err := b.clientset.CoreV1().Pods(b.namespace).GetLogs(name, opts).Stream(ctx)
	if err != nil {
		return nil, wrapK8sErr(err, fmt.Sprintf("logs for pod %s", name))
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read logs for pod %s: %w", name, err)
	}

	out := strings.TrimRight(string(data), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Wait polls the pod until it reaches a terminal phase. Kubernetes has
// no blocking wait for bare pods, so this mirrors the inspect loop the
// reference runtime uses.
func (b *Backend) Wait(ctx context.Context, id string, timeout time.Duration) (*backend.WaitResult, error) {
	name := podName(id)

	var result *backend.WaitResult
	condition := func(ctx context.Context) (bool, error) {
		pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("%w: pod %s", backend.ErrNotFound, name)
			}
			return false, err
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			exitCode := 0
			if term := executorExit(pod); term != nil {
				exitCode = int(term.ExitCode)
			}
			result = &backend.WaitResult{
				Status:   backend.WaitStatusExited,
				ExitCode: exitCode,
			}
			return true, nil
		}
		return false, nil
	}

	var err error
	if timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, waitPollInterval, timeout, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, waitPollInterval, true, condition)
	}
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up, not the timeout.
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &backend.WaitResult{
				Status:   backend.WaitStatusTimeout,
				ExitCode: backend.TimeoutExitCode,
			}, nil
		}
		return nil, err
	}
	return result, nil
}

func (b *Backend) List(ctx context.Context, selector map[string]string) ([]backend.ContainerSummary, error) {
	opts := metav1.ListOptions{}
	if len(selector) > 0 {
		opts.LabelSelector = labels.Set(selector).String()
	}

	pods, err := b.clientset.CoreV1().Pods(b.namespace).List(ctx, opts)
	if err != nil {
		return nil, wrapK8sErr(err, "list pods")
	}

	summaries := make([]backend.ContainerSummary, 0, len(pods.Items))
	for _, pod := range pods.Items {
		image := ""
		for _, c := range pod.Spec.Containers {
			if c.Name == executorContainer {
				image = c.Image
				break
			}
		}
		summaries = append(summaries, backend.ContainerSummary{
			ID:     pod.Name,
			Name:   pod.Name,
			Image:  image,
			State:  normalizePhase(pod.Status.Phase),
			Labels: pod.Labels,
		})
	}

	b.logger.Debug("Listed pods", zap.Int("count", len(summaries)))
	return summaries, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.clientset.CoreV1().Namespaces().Get(ctx, b.namespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("%w: kubernetes namespace %s: %v", backend.ErrUnavailable, b.namespace, err)
	}
	return nil
}

// wrapK8sErr folds API server errors into the port's sentinels. Image
// pull failures surface asynchronously through the pod status here, not
// as create errors, so ErrImagePull never originates from this backend.
func wrapK8sErr(err error, op string) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %s", backend.ErrNotFound, op)
	case apierrors.IsForbidden(err), apierrors.IsInvalid(err):
		return fmt.Errorf("%w: %s: %v", backend.ErrResourceRejected, op, err)
	case apierrors.IsServerTimeout(err), apierrors.IsServiceUnavailable(err), apierrors.IsTimeout(err):
		return fmt.Errorf("%w: %s: %v", backend.ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
