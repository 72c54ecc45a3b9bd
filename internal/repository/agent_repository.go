package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sentinelfleet/sentinel/internal/db"
	"github.com/sentinelfleet/sentinel/internal/db/queries"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/debug"
)

// AgentRepository handles database operations for registered agents
type AgentRepository struct {
	db *db.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(database *db.DB) *AgentRepository {
	return &AgentRepository{db: database}
}

// Create registers a new agent row
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	_, err := r.db.ExecContext(ctx, queries.CreateAgent,
		agent.UUID,
		agent.AuthHash,
		agent.RegisteredAt,
		agent.RegisteredBy,
		agent.LoggedInUser,
		int(agent.State),
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	debug.Info("Registered agent %s (by %s)", agent.UUID, agent.RegisteredBy)
	return nil
}

// GetByUUID retrieves an agent by its UUID
func (r *AgentRepository) GetByUUID(ctx context.Context, uuid string) (*models.Agent, error) {
	agent := &models.Agent{}
	var state int

	err := r.db.QueryRowContext(ctx, queries.GetAgentByUUID, uuid).Scan(
		&agent.UUID,
		&agent.AuthHash,
		&agent.RegisteredAt,
		&agent.RegisteredBy,
		&agent.LoggedInUser,
		&state,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	agent.State, err = models.StateFromInt(state)
	if err != nil {
		return nil, fmt.Errorf("failed to decode agent state: %w", err)
	}

	return agent, nil
}

// List returns all registered agents
func (r *AgentRepository) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, queries.ListAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var state int
		if err := rows.Scan(
			&agent.UUID,
			&agent.AuthHash,
			&agent.RegisteredAt,
			&agent.RegisteredBy,
			&agent.LoggedInUser,
			&state,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent.State, err = models.StateFromInt(state)
		if err != nil {
			return nil, fmt.Errorf("failed to decode agent state: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	return agents, nil
}

// UpdateState persists an agent's last known state
func (r *AgentRepository) UpdateState(ctx context.Context, uuid string, state models.AgentState) error {
	result, err := r.db.ExecContext(ctx, queries.UpdateAgentState, uuid, int(state))
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotRegistered
	}

	return nil
}

// UpdateLoggedInUser persists which user is logged in on an agent
func (r *AgentRepository) UpdateLoggedInUser(ctx context.Context, uuid, username string) error {
	result, err := r.db.ExecContext(ctx, queries.UpdateAgentUser, uuid, username)
	if err != nil {
		return fmt.Errorf("failed to update logged in user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotRegistered
	}

	return nil
}

// Delete removes an agent's registration
func (r *AgentRepository) Delete(ctx context.Context, uuid string) error {
	result, err := r.db.ExecContext(ctx, queries.DeleteAgent, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotRegistered
	}

	debug.Info("Removed agent %s", uuid)
	return nil
}

// FindByLoggedInUser returns the UUID of the agent a user is logged in on,
// or ErrNotFound if the user has no active login.
func (r *AgentRepository) FindByLoggedInUser(ctx context.Context, username string) (string, error) {
	var uuid string
	err := r.db.QueryRowContext(ctx, queries.AgentWithLoggedInUser, username).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find agent by user: %w", err)
	}
	return uuid, nil
}
