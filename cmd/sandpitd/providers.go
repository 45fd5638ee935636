package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sandpit-io/sandpit/internal/backend"
	"github.com/sandpit-io/sandpit/internal/backend/docker"
	"github.com/sandpit-io/sandpit/internal/backend/kubernetes"
	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/service"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// defaultNodeMaxSessions caps concurrent sessions on a self-registered
// node. Operators scaling past this run dedicated nodes with their own
// registration.
const defaultNodeMaxSessions = 50

// provideBackend selects the container backend. Config validation has
// already resolved "auto" to a concrete kind.
func provideBackend(cfg *config.Config, log *logger.Logger) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case "docker":
		return docker.New(cfg.Docker, log)
	case "kubernetes":
		return kubernetes.New(cfg.Kubernetes, cfg.Backend.ExecutorPort, log)
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Backend.Kind)
	}
}

// registerLocalNode announces the node this daemon places sessions on.
// With the Docker backend that is the daemon's own host; a Kubernetes
// cluster appears as one logical node because real placement inside it
// belongs to the kube-scheduler.
func registerLocalNode(ctx context.Context, svc *service.Service, be backend.Backend, cfg *config.Config) (*models.RuntimeNode, error) {
	node := &models.RuntimeNode{
		Kind:        v1.NodeKind(be.Kind()),
		MaxSessions: defaultNodeMaxSessions,
	}
	switch be.Kind() {
	case "kubernetes":
		node.ID = "k8s-" + cfg.Kubernetes.Namespace
		node.Endpoint = cfg.Kubernetes.Namespace
	default:
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "local"
		}
		node.ID = hostname
		node.Endpoint = cfg.Docker.Host
	}
	return svc.RegisterNode(ctx, node)
}
