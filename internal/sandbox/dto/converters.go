package dto

import (
	"encoding/json"

	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	v1 "github.com/sandpit-io/sandpit/pkg/api/v1"
)

// FromSession converts a session model to its wire representation.
func FromSession(s *models.Session) v1.Session {
	return v1.Session{
		ID:                s.ID,
		TemplateID:        s.TemplateID,
		Status:            s.Status,
		Runtime:           string(s.Runtime),
		Resources:         fromResources(s.Resources),
		WorkspacePath:     s.WorkspacePath,
		NodeID:            s.NodeID,
		ContainerID:       s.ContainerID,
		EnvVars:           s.EnvVars,
		Timeout:           s.Timeout,
		Dependencies:      fromDependencies(s.Dependencies),
		DependencyInstall: s.DependencyInstall,
		ErrorMessage:      s.ErrorMessage,
		Metadata:          s.Metadata,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		CompletedAt:       s.CompletedAt,
		LastActivityAt:    s.LastActivityAt,
	}
}

// FromSessions converts a page of sessions.
func FromSessions(sessions []*models.Session) []v1.Session {
	out := make([]v1.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, FromSession(s))
	}
	return out
}

// FromExecution converts an execution model to its wire representation.
// The stored return value is raw JSON; it is re-emitted verbatim rather
// than decoded and re-encoded.
func FromExecution(e *models.Execution) v1.Execution {
	out := v1.Execution{
		ID:              e.ID,
		SessionID:       e.SessionID,
		Code:            e.Code,
		Language:        e.Language,
		Timeout:         e.Timeout,
		Event:           e.Event,
		EnvVars:         e.EnvVars,
		Status:          e.Status,
		ExitCode:        e.ExitCode,
		ErrorMessage:    e.ErrorMessage,
		Stdout:          e.Stdout,
		Stderr:          e.Stderr,
		Metrics:         e.Metrics,
		Artifacts:       FromArtifacts(e.Artifacts),
		RetryCount:      e.RetryCount,
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		LastHeartbeatAt: e.LastHeartbeatAt,
	}
	if e.ReturnValue != "" {
		out.ReturnValue = json.RawMessage(e.ReturnValue)
	}
	return out
}

// FromExecutions converts a page of executions.
func FromExecutions(executions []*models.Execution) []v1.Execution {
	out := make([]v1.Execution, 0, len(executions))
	for _, e := range executions {
		out = append(out, FromExecution(e))
	}
	return out
}

// FromExecutionStatus projects the light polling shape out of an execution.
func FromExecutionStatus(e *models.Execution) ExecutionStatusResponse {
	return ExecutionStatusResponse{
		ExecutionID: e.ID,
		SessionID:   e.SessionID,
		Status:      e.Status,
		ExitCode:    e.ExitCode,
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}

// FromTemplate converts a template model to its wire representation.
func FromTemplate(t *models.Template) v1.Template {
	return v1.Template{
		ID:             t.ID,
		Name:           t.Name,
		Image:          t.Image,
		Runtime:        t.Runtime,
		Resources:      fromResources(t.Resources),
		DefaultTimeout: t.DefaultTimeout,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// FromTemplates converts a template list.
func FromTemplates(templates []*models.Template) []v1.Template {
	out := make([]v1.Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, FromTemplate(t))
	}
	return out
}

// FromNode converts a runtime node to its wire representation.
func FromNode(n *models.RuntimeNode) v1.Node {
	return v1.Node{
		ID:              n.ID,
		Kind:            n.Kind,
		Endpoint:        n.Endpoint,
		Status:          n.Status,
		CPUUsage:        n.CPUUsage,
		MemUsage:        n.MemUsage,
		SessionCount:    n.SessionCount,
		MaxSessions:     n.MaxSessions,
		CachedTemplates: n.CachedTemplates,
		LastHeartbeatAt: n.LastHeartbeatAt,
	}
}

// FromNodes converts a node list.
func FromNodes(nodes []*models.RuntimeNode) []v1.Node {
	out := make([]v1.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, FromNode(n))
	}
	return out
}

// FromArtifacts converts execution artifacts. Presigned URLs are the
// service's business; this carries metadata only.
func FromArtifacts(artifacts []models.Artifact) []v1.Artifact {
	if len(artifacts) == 0 {
		return nil
	}
	out := make([]v1.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, v1.Artifact{
			Path:      a.Path,
			Size:      a.Size,
			MimeType:  a.MimeType,
			Kind:      a.Kind,
			Checksum:  a.Checksum,
			CreatedAt: a.CreatedAt,
		})
	}
	return out
}

func fromResources(r models.ResourceLimit) v1.ResourceSpec {
	return v1.ResourceSpec{
		CPU:          r.CPU,
		Memory:       r.Memory,
		Disk:         r.Disk,
		MaxProcesses: r.MaxProcesses,
	}
}

func fromDependencies(deps []models.DependencySpec) []v1.Dependency {
	if len(deps) == 0 {
		return nil
	}
	out := make([]v1.Dependency, 0, len(deps))
	for _, d := range deps {
		out = append(out, v1.Dependency{Name: d.Name, Version: d.Version})
	}
	return out
}
