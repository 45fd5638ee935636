package kubernetes

import (
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/common/config"
)

const (
	executorContainer = "executor"
	s3MountContainer  = "s3-mount"
	workspaceVolume   = "workspace"

	// Pod and PVC names are DNS subdomains, capped by the API server.
	maxNameLength = 253

	terminationGraceSeconds = int64(30)
)

// podName sanitizes a container name into a DNS-1123 subdomain. Session
// ids carry underscores, which Kubernetes rejects, so they become
// dashes. Sanitizing an already-sanitized name is a no-op, which lets
// every method accept either form of the id.
func podName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	sanitized := b.String()
	if len(sanitized) > maxNameLength {
		sanitized = sanitized[:maxNameLength]
	}
	return strings.Trim(sanitized, "-.")
}

// pvcName derives the workspace claim name from a pod name. Session
// pods are named sandbox-<session id>, so their claims come out as
// workspace-<session id>.
func pvcName(pod string) string {
	name := "workspace-" + strings.TrimPrefix(pod, "sandbox-")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

// buildPod renders a ContainerSpec as a hardened Pod. The returned PVC
// is non-nil only when the workspace lives in object storage and the
// CSI driver handles the mount; otherwise an s3:// workspace gets an
// emptyDir shared with a privileged FUSE sidecar that also runs the
// pre-mount dependency install.
func buildPod(spec backend.ContainerSpec, namespace string, executorPort int, cfg config.KubernetesConfig) (*corev1.Pod, *corev1.PersistentVolumeClaim) {
	name := podName(spec.Name)

	podLabels := map[string]string{
		"app":          "sandbox-executor",
		"sandbox-type": "execution",
	}
	for k, v := range spec.Labels {
		podLabels[k] = v
	}
	if sid := spec.Labels[backend.LabelSessionID]; sid != "" {
		podLabels["sandbox-session"] = sid
	}

	mountPath := spec.Workspace.MountPath
	if mountPath == "" {
		mountPath = "/workspace"
	}

	env := envVars(spec.Env)
	mounts := []corev1.VolumeMount{{Name: workspaceVolume, MountPath: mountPath}}

	executor := corev1.Container{
		Name:         executorContainer,
		Image:        spec.Image,
		Env:          env,
		Resources:    resourceRequirements(spec.Resources.CPU, spec.Resources.Memory, spec.Resources.Disk),
		VolumeMounts: mounts,
		Ports: []corev1.ContainerPort{{
			Name:          "executor",
			ContainerPort: int32(executorPort),
			Protocol:      corev1.ProtocolTCP,
		}},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:                ptr.To(int64(1000)),
			RunAsGroup:               ptr.To(int64(1000)),
			AllowPrivilegeEscalation: ptr.To(false),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To(terminationGraceSeconds),
			Containers:                    []corev1.Container{executor},
		},
	}

	var claim *corev1.PersistentVolumeClaim

	objectStorageWorkspace := strings.HasPrefix(spec.Workspace.Path, "s3://")
	switch {
	case objectStorageWorkspace && cfg.CSIEnabled:
		pod.Labels["csi-driver"] = "juicefs"
		claim = buildWorkspacePVC(pvcName(name), namespace, podLabels, spec.Resources.Disk, cfg.StorageClass)
		pod.Spec.Volumes = []corev1.Volume{{
			Name: workspaceVolume,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: claim.Name,
				},
			},
		}}
	case objectStorageWorkspace:
		// FUSE mounts need a privileged helper; the executor itself
		// stays locked down.
		pod.Spec.Volumes = []corev1.Volume{{
			Name:         workspaceVolume,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}}
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:         s3MountContainer,
			Image:        cfg.S3MountImage,
			Env:          env,
			VolumeMounts: mounts,
			SecurityContext: &corev1.SecurityContext{
				Privileged: ptr.To(true),
			},
		})
	default:
		pod.Spec.Volumes = []corev1.Volume{{
			Name:         workspaceVolume,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}}
	}

	return pod, claim
}

func buildWorkspacePVC(name, namespace string, labels map[string]string, size, storageClass string) *corev1.PersistentVolumeClaim {
	if size == "" {
		size = "1Gi"
	}
	pvcLabels := map[string]string{"csi-driver": "juicefs"}
	for k, v := range labels {
		pvcLabels[k] = v
	}

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    pvcLabels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteMany,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(size),
				},
			},
		},
	}
	if storageClass != "" {
		claim.Spec.StorageClassName = ptr.To(storageClass)
	}
	return claim
}

// resourceRequirements sets requests equal to limits so the scheduler
// reserves exactly what the sandbox may burn.
func resourceRequirements(cpu, memory, disk string) corev1.ResourceRequirements {
	list := corev1.ResourceList{}
	if cpu != "" {
		list[corev1.ResourceCPU] = resource.MustParse(cpu)
	}
	if memory != "" {
		list[corev1.ResourceMemory] = resource.MustParse(memory)
	}
	if disk != "" {
		list[corev1.ResourceEphemeralStorage] = resource.MustParse(disk)
	}

	limits := corev1.ResourceList{}
	for k, v := range list {
		limits[k] = v
	}
	return corev1.ResourceRequirements{Requests: list, Limits: limits}
}

func envVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

// normalizePhase folds pod phases into the backend's state set.
func normalizePhase(phase corev1.PodPhase) string {
	switch phase {
	case corev1.PodPending:
		return backend.StateCreating
	case corev1.PodRunning:
		return backend.StateRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return backend.StateExited
	default:
		return backend.StateUnknown
	}
}

// executorExit returns the executor container's terminated state, if it
// has one.
func executorExit(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == executorContainer && cs.State.Terminated != nil {
			return cs.State.Terminated
		}
	}
	return nil
}
