package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
)

// ErrCallNotFound is returned when a call row does not exist.
var ErrCallNotFound = errors.New("call not found")

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a call record together with its participant rows in one
// transaction so a crash cannot leave a call without participants.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	callQuery := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, call_type, status, ring_started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = tx.Exec(ctx, callQuery,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.CallType,
		call.Status,
		call.RingStartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	participantQuery := `
		INSERT INTO call_participants (
			call_id, user_id, role, status, is_muted, is_speaker_on, is_video_enabled, device_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, p := range participants {
		_, err = tx.Exec(ctx, participantQuery,
			p.CallID,
			p.UserID,
			p.Role,
			p.Status,
			p.IsMuted,
			p.IsSpeakerOn,
			p.IsVideoEnabled,
			p.DeviceType,
		)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}

	return nil
}

// UpdateStatus updates call status
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	return nil
}

// MarkConnected sets the call connected with a start timestamp. The update is
// conditional on the call not already being in a terminal status, so a late
// connect cannot resurrect an ended call.
func (r *CallRepository) MarkConnected(ctx context.Context, callID uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE calls
		SET status = 'connected',
		    started_at = $2
		WHERE call_id = $1
		  AND status IN ('initiating', 'ringing', 'connecting')
	`

	_, err := r.pool.Exec(ctx, query, callID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark call connected: %w", err)
	}

	return nil
}

// Complete moves a call to a terminal status with a reason and end timestamp,
// computing duration from started_at where the call was connected. Returns
// the duration in seconds (zero for calls that never connected).
func (r *CallRepository) Complete(ctx context.Context, callID uuid.UUID, status domain.CallStatus, reason string) (int, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    end_reason = $3,
		    ended_at = NOW(),
		    duration = COALESCE(EXTRACT(EPOCH FROM (NOW() - started_at))::INT, 0)
		WHERE call_id = $1
		  AND status NOT IN ('ended', 'declined', 'cancelled', 'missed', 'failed', 'busy')
		RETURNING duration
	`

	var duration int
	err := r.pool.QueryRow(ctx, query, callID, status, reason).Scan(&duration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal; idempotent completion is not an error.
			return 0, nil
		}
		return 0, fmt.Errorf("failed to complete call: %w", err)
	}

	return duration, nil
}

// MarkMissedIfRinging transitions a ringing call to missed. The conditional
// update makes the ring-timeout transition fire at most once: it reports
// whether this caller performed the transition.
func (r *CallRepository) MarkMissedIfRinging(ctx context.Context, callID uuid.UUID) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'missed',
		    end_reason = 'missed',
		    ended_at = NOW()
		WHERE call_id = $1
		  AND status = 'ringing'
	`

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to mark call missed: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, call_type, status,
		       ring_started_at, started_at, ended_at, COALESCE(end_reason, ''), COALESCE(duration, 0)
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.CallType,
		&call.Status,
		&call.RingStartedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.EndReason,
		&call.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.conversation_id, c.caller_id, c.call_type, c.status,
		       c.ring_started_at, c.started_at, c.ended_at, COALESCE(c.end_reason, ''), COALESCE(c.duration, 0)
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.ring_started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.CallerID,
			&call.CallType,
			&call.Status,
			&call.RingStartedAt,
			&call.StartedAt,
			&call.EndedAt,
			&call.EndReason,
			&call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}

// GetParticipants retrieves all participants in a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, role, status, is_muted, is_speaker_on, is_video_enabled,
		       COALESCE(device_type, ''), joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY role ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		err := rows.Scan(
			&p.CallID,
			&p.UserID,
			&p.Role,
			&p.Status,
			&p.IsMuted,
			&p.IsSpeakerOn,
			&p.IsVideoEnabled,
			&p.DeviceType,
			&p.JoinedAt,
			&p.LeftAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, nil
}

// UpdateParticipantStatus updates a participant's status, optionally stamping
// joined_at when they reach connected.
func (r *CallRepository) UpdateParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	query := `
		UPDATE call_participants
		SET status = $3,
		    joined_at = CASE WHEN $3 = 'connected' AND joined_at IS NULL THEN NOW() ELSE joined_at END,
		    left_at = CASE WHEN $3 IN ('declined', 'disconnected') THEN NOW() ELSE left_at END
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, status)
	if err != nil {
		return fmt.Errorf("failed to update participant status: %w", err)
	}

	return nil
}

// UpdateParticipantMedia updates participant's media flags
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isSpeakerOn, isVideoEnabled bool) error {
	query := `
		UPDATE call_participants
		SET is_muted = $3, is_speaker_on = $4, is_video_enabled = $5
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, isMuted, isSpeakerOn, isVideoEnabled)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}

	return nil
}

// HasActiveParticipant reports whether the user has a participant row in
// ringing or connected status for any non-terminal call. Used for busy
// detection; read-then-act, best effort.
func (r *CallRepository) HasActiveParticipant(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM call_participants cp
			JOIN calls c ON c.call_id = cp.call_id
			WHERE cp.user_id = $1
			  AND cp.status IN ('ringing', 'connected')
			  AND c.status NOT IN ('ended', 'declined', 'cancelled', 'missed', 'failed', 'busy')
		)
	`

	var busy bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&busy); err != nil {
		return false, fmt.Errorf("failed to check active participant: %w", err)
	}

	return busy, nil
}

// AppendEvent inserts an audit-log row. Events are append-only and never
// updated or deleted.
func (r *CallRepository) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO call_events (event_id, call_id, user_id, event_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.pool.Exec(ctx, query,
		event.EventID,
		event.CallID,
		event.UserID,
		event.EventType,
		metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// GetEvents retrieves the audit log for a call in insertion order
func (r *CallRepository) GetEvents(ctx context.Context, callID uuid.UUID) ([]*domain.CallEvent, error) {
	query := `
		SELECT event_id, call_id, user_id, event_type, metadata, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call events: %w", err)
	}
	defer rows.Close()

	var events []*domain.CallEvent
	for rows.Next() {
		event := &domain.CallEvent{}
		var metadata []byte
		err := rows.Scan(
			&event.EventID,
			&event.CallID,
			&event.UserID,
			&event.EventType,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, event)
	}

	return events, nil
}
