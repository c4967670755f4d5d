package server

import (
	"stageline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Stage       string `json:"stage"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Stage:       p.Stage,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type SubmitExecutionRequest struct {
	Message         string   `json:"message"`
	ContextOverride []string `json:"context_override,omitempty"`
	Override        bool     `json:"override,omitempty"`
}

type ExecutionResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	AgentID      int      `json:"agent_id"`
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	Override     bool     `json:"override,omitempty"`
	Output       *string  `json:"output,omitempty"`
	TokensIn     *int     `json:"tokens_in,omitempty"`
	TokensOut    *int     `json:"tokens_out,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	FailureCause *string  `json:"failure_cause,omitempty"`
	ErrorDetail  *string  `json:"error_detail,omitempty"`
	Attempts     int      `json:"attempts"`
	CreatedAt    string   `json:"created_at"`
	StartedAt    *string  `json:"started_at,omitempty"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:           e.ID,
		ProjectID:    e.ProjectID,
		AgentID:      e.AgentID,
		Status:       e.Status,
		Message:      e.Message,
		Override:     e.Override,
		Output:       e.Output,
		TokensIn:     e.TokensIn,
		TokensOut:    e.TokensOut,
		CostUSD:      e.CostUSD,
		FailureCause: e.FailureCause,
		ErrorDetail:  e.ErrorDetail,
		Attempts:     e.Attempts,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
}

func mapExecutions(in []domain.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(in))
	for _, e := range in {
		out = append(out, executionResponse(e))
	}
	return out
}

type paginatedExecutions struct {
	Items      []ExecutionResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type ArtifactResponse struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	AgentID       int    `json:"agent_id"`
	Type          string `json:"type"`
	Version       int    `json:"version"`
	Status        string `json:"status"`
	Content       string `json:"content,omitempty"`
	ProducedBy    string `json:"produced_by"`
	UnderOverride bool   `json:"under_override,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:            a.ID,
		ProjectID:     a.ProjectID,
		AgentID:       a.AgentID,
		Type:          a.Type,
		Version:       a.Version,
		Status:        a.Status,
		Content:       a.Content,
		ProducedBy:    a.ProducedBy,
		UnderOverride: a.UnderOverride,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// artifactSummary omits content for list responses.
func artifactSummary(a domain.Artifact) ArtifactResponse {
	r := artifactResponse(a)
	r.Content = ""
	return r
}

func mapArtifacts(in []domain.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(in))
	for _, a := range in {
		out = append(out, artifactSummary(a))
	}
	return out
}

type AgentResponse struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Stage            string   `json:"stage"`
	ArtifactType     string   `json:"artifact_type"`
	RequiredSections []string `json:"required_sections,omitempty"`
	DependsOn        []int    `json:"depends_on,omitempty"`
}

func agentResponse(a domain.AgentDescriptor) AgentResponse {
	return AgentResponse{
		ID:               a.ID,
		Name:             a.Name,
		Stage:            a.Stage,
		ArtifactType:     a.ArtifactType,
		RequiredSections: a.RequiredSections,
		DependsOn:        a.DependsOn,
	}
}

func mapAgents(in []domain.AgentDescriptor) []AgentResponse {
	out := make([]AgentResponse, 0, len(in))
	for _, a := range in {
		out = append(out, agentResponse(a))
	}
	return out
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Payload   string `json:"payload_json"`
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse{
			ID:        e.ID,
			TS:        e.TS,
			Type:      e.Type,
			ProjectID: e.ProjectID,
			EntityID:  e.EntityID,
			Payload:   e.Payload,
		})
	}
	return out
}

type AdvanceStageRequest struct {
	Force bool `json:"force,omitempty"`
}
