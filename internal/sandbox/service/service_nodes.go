package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/errs"
	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// ListNodes returns every known runtime node.
func (s *Service) ListNodes(ctx context.Context) ([]*models.RuntimeNode, error) {
	return s.repo.ListNodes(ctx)
}

// GetNode returns one runtime node.
func (s *Service) GetNode(ctx context.Context, id string) (*models.RuntimeNode, error) {
	return s.repo.GetNode(ctx, id)
}

// RegisterNode upserts a runtime node and marks it online. The daemon
// registers its local node at boot; heartbeats land here too.
func (s *Service) RegisterNode(ctx context.Context, node *models.RuntimeNode) (*models.RuntimeNode, error) {
	now := s.clk.Now().UTC()
	existing, err := s.repo.GetNode(ctx, node.ID)
	switch {
	case err == nil:
		// Keep accounting the registry already holds.
		node.SessionCount = existing.SessionCount
		node.CreatedAt = existing.CreatedAt
	case errs.KindOf(err) == errs.KindNotFound:
		node.CreatedAt = now
	default:
		return nil, err
	}
	node.Status = v1.NodeStatusOnline
	node.LastHeartbeatAt = now
	node.UpdatedAt = now
	if err := s.repo.UpsertNode(ctx, node); err != nil {
		return nil, err
	}
	s.logger.Info("Runtime node registered",
		zap.String("node_id", node.ID),
		zap.String("kind", string(node.Kind)),
		zap.Int("max_sessions", node.MaxSessions))
	return node, nil
}
