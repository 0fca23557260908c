package location

import (
	"context"
	"time"

	"backend-uthutho/internal/db"

	"github.com/pkg/errors"
)

// Writer persists shared positions onto the rider's participant row.
type Writer struct {
	db  db.Querier
	now func() time.Time
}

func NewWriter(q db.Querier) *Writer {
	return &Writer{db: q, now: time.Now}
}

// PushLocation writes the position for an active participant and refreshes
// the journey heartbeat. Inactive participants are left alone.
func (w *Writer) PushLocation(ctx context.Context, journeyID, userID string, p Position) error {
	now := w.now()
	tag, err := w.db.Exec(ctx, `
		UPDATE journey_participants
		SET latitude=$3, longitude=$4, last_location_update=$5
		WHERE journey_id=$1 AND user_id=$2 AND is_active AND status='picked_up'
	`, journeyID, userID, p.Lat, p.Lng, now)
	if err != nil {
		return errors.Wrap(err, "update participant location")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = w.db.Exec(ctx, `UPDATE journeys SET last_ping_time=$2 WHERE id=$1`, journeyID, now)
	return errors.Wrap(err, "touch journey")
}

func (w *Writer) ClearLocation(ctx context.Context, journeyID, userID string) error {
	_, err := w.db.Exec(ctx, `
		UPDATE journey_participants
		SET latitude=NULL, longitude=NULL, last_location_update=NULL
		WHERE journey_id=$1 AND user_id=$2
	`, journeyID, userID)
	return errors.Wrap(err, "clear participant location")
}
