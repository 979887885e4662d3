package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jennie369/crypto-pattern-scanner-sub017/internal/domain"
	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// IncomingCallData is the payload delivered with an incoming-call push.
type IncomingCallData struct {
	CallID         uuid.UUID       `json:"call_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	CallerID       uuid.UUID       `json:"caller_id"`
	CallerName     string          `json:"caller_name"`
	CallerAvatar   string          `json:"caller_avatar,omitempty"`
	CallType       domain.CallType `json:"call_type"`
}

// Token represents a push notification token for a user
type Token struct {
	ID       uuid.UUID `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Token    string    `json:"token"`
	Platform string    `json:"platform,omitempty"` // ios, android, web
	Active   bool      `json:"active"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// SendIncomingCall notifies the callee's devices about a ringing call. The
// notification carries a high-priority/sound hint so the OS wakes the app.
func (s *Service) SendIncomingCall(ctx context.Context, data *IncomingCallData, calleeID uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":            "incoming_call",
			"call_id":         data.CallID.String(),
			"conversation_id": data.ConversationID.String(),
			"caller_id":       data.CallerID.String(),
			"caller_name":     data.CallerName,
			"caller_avatar":   data.CallerAvatar,
			"call_type":       string(data.CallType),
		},
	}

	return s.sendToUser(ctx, notification, calleeID, "incoming call")
}

// SendMissedCall notifies the callee about a call that rang out.
func (s *Service) SendMissedCall(ctx context.Context, callID uuid.UUID, callerName string, calleeID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", callerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":    "missed_call",
			"call_id": callID.String(),
		},
	}

	return s.sendToUser(ctx, notification, calleeID, "missed call")
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID uuid.UUID, what string) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}

	if len(active) == 0 {
		logger.Info("No active push tokens for user",
			zap.String("user_id", userID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("what", what),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to send %s notification: %w", what, err)
	}

	logger.Info("Push notification sent",
		zap.String("what", what),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, tokens, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, known []*Token, invalid []string) {
	for _, tokenStr := range invalid {
		for _, token := range known {
			if token.Token == tokenStr {
				if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
					logger.Warn("Failed to mark token as inactive",
						zap.String("token_id", token.ID.String()),
						zap.Error(err))
				}
			}
		}
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}
