package store

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Feedback ticket states.
const (
	FeedbackOpen       = "open"
	FeedbackInProgress = "in-progress"
	FeedbackResolved   = "resolved"
)

// Feedback is one support ticket raised by a player.
type Feedback struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func feedbackKey(id string) string { return "feedback:" + id }

const feedbackIndexKey = "feedback:ids"

// CreateFeedback stores a new ticket in the open state.
func (s *Store) CreateFeedback(ctx context.Context, id, accountID, subject, message string) (Feedback, error) {
	now := time.Now()
	ticket := Feedback{
		ID:        id,
		AccountID: accountID,
		Subject:   subject,
		Message:   message,
		Status:    FeedbackOpen,
		CreatedAt: now,
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, feedbackKey(id), map[string]any{
		"id":        id,
		"accountId": accountID,
		"subject":   subject,
		"message":   message,
		"status":    FeedbackOpen,
		"createdAt": now.UnixMilli(),
	})
	pipe.LPush(ctx, feedbackIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return Feedback{}, eris.Wrap(err, "write feedback")
	}
	return ticket, nil
}

// ListFeedback returns tickets newest first. An empty accountID lists every
// ticket (the admin view); otherwise only the account's own tickets.
func (s *Store) ListFeedback(ctx context.Context, accountID string) ([]Feedback, error) {
	ids, err := s.rdb.LRange(ctx, feedbackIndexKey, 0, -1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "list feedback ids")
	}

	tickets := make([]Feedback, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, feedbackKey(id)).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "load feedback %s", id)
		}
		if len(fields) == 0 {
			continue
		}
		if accountID != "" && fields["accountId"] != accountID {
			continue
		}
		createdMillis, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
		tickets = append(tickets, Feedback{
			ID:        fields["id"],
			AccountID: fields["accountId"],
			Subject:   fields["subject"],
			Message:   fields["message"],
			Status:    fields["status"],
			CreatedAt: time.UnixMilli(createdMillis),
		})
	}
	return tickets, nil
}

// UpdateFeedbackStatus moves a ticket through its lifecycle.
func (s *Store) UpdateFeedbackStatus(ctx context.Context, id, status string) error {
	switch status {
	case FeedbackOpen, FeedbackInProgress, FeedbackResolved:
	default:
		return eris.Errorf("unknown feedback status %q", status)
	}
	exists, err := s.rdb.Exists(ctx, feedbackKey(id)).Result()
	if err != nil {
		return eris.Wrap(err, "check feedback")
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, feedbackKey(id), "status", status).Err(); err != nil {
		return eris.Wrap(err, "update feedback status")
	}
	return nil
}
