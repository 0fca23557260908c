package chat

import (
	"context"

	"backend-uthutho/internal/db"

	"github.com/pkg/errors"
)

type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

func (r *Repository) Insert(ctx context.Context, journeyID, userID, text string) (Message, error) {
	m := Message{JourneyID: journeyID, UserID: userID, Text: text}
	err := r.db.QueryRow(ctx, `
		INSERT INTO journey_messages (journey_id, user_id, message)
		VALUES ($1,$2,$3)
		RETURNING id, created_at
	`, journeyID, userID, text).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	return m, nil
}

// List returns a journey's messages oldest first with author profiles.
func (r *Repository) List(ctx context.Context, journeyID string) ([]Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.user_id, m.message, m.created_at,
		       COALESCE(p.display_name, ''), COALESCE(p.avatar_url, '')
		FROM journey_messages m
		LEFT JOIN user_profiles p ON p.user_id = m.user_id
		WHERE m.journey_id=$1
		ORDER BY m.created_at, m.id
	`, journeyID)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m := Message{JourneyID: journeyID}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.CreatedAt, &m.AuthorName, &m.AuthorAvatar); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
