package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"home-orchestrator/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// CommandLogRepository persists an audit trail of published commands and
// their acknowledgment outcomes. The control path never reads it; loss
// of the log never blocks command execution.
type CommandLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCommandLogRepository creates the repository.
func NewCommandLogRepository(db *sql.DB, logger *zap.Logger) *CommandLogRepository {
	return &CommandLogRepository{
		db:     db,
		logger: logger,
	}
}

// InsertCommand records a freshly published command.
func (r *CommandLogRepository) InsertCommand(ctx context.Context, cmd *models.Command, publishedAt time.Time) error {
	if cmd.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required")
	}

	value, err := json.Marshal(cmd.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal command value: %w", err)
	}

	query := `
		INSERT INTO command_log (
			correlation_id,
			device_id,
			location,
			target,
			action,
			value,
			reason,
			ttl_ms,
			status,
			published_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		cmd.CorrelationID,
		cmd.DeviceID,
		cmd.Location,
		cmd.Target,
		cmd.Action,
		string(value),
		cmd.Reason,
		cmd.TTL,
		publishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command log: %w", err)
	}
	return nil
}

// UpdateAck records the device's response to a command.
func (r *CommandLogRepository) UpdateAck(ctx context.Context, ack *models.CommandAck, ackedAt time.Time) error {
	if ack.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required")
	}

	actualValue, err := json.Marshal(ack.ActualValue)
	if err != nil {
		return fmt.Errorf("failed to marshal ack value: %w", err)
	}

	query := `
		UPDATE command_log
		SET status = $2,
		    actual_value = $3,
		    error = NULLIF($4, ''),
		    acked_at = $5
		WHERE correlation_id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		ack.CorrelationID,
		ack.Status,
		string(actualValue),
		ack.Error,
		ackedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update command log: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		r.logger.Debug("Ack for command not in log",
			zap.String("correlation_id", ack.CorrelationID),
		)
	}
	return nil
}

// MarkExpired flags commands retired by the TTL sweep without an ack.
func (r *CommandLogRepository) MarkExpired(ctx context.Context, correlationIDs []string, expiredAt time.Time) error {
	if len(correlationIDs) == 0 {
		return nil
	}

	query := `
		UPDATE command_log
		SET status = 'expired',
		    acked_at = $2
		WHERE correlation_id = ANY($1) AND status = 'pending'
	`

	_, err := r.db.ExecContext(ctx, query, pq.Array(correlationIDs), expiredAt)
	if err != nil {
		return fmt.Errorf("failed to mark commands expired: %w", err)
	}
	return nil
}
