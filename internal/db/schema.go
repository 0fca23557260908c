package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Migrate creates the shared journey tables, the stats increment function and
// the change-notification triggers. Every statement is idempotent.
func Migrate(ctx context.Context, q Querier, feedChannel string) error {
	if feedChannel == "" {
		feedChannel = "journey_changes"
	}
	for _, stmt := range schemaStatements(feedChannel) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

func schemaStatements(feedChannel string) []string {
	return []string{
		`
CREATE TABLE IF NOT EXISTS journeys (
  id UUID PRIMARY KEY,
  route_id TEXT NOT NULL,
  transport_type TEXT NOT NULL DEFAULT '',
  current_stop_sequence INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'in_progress',
  last_ping_time TIMESTAMPTZ NOT NULL DEFAULT now(),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_journeys_route_in_progress ON journeys(route_id) WHERE status = 'in_progress'`,
		`
CREATE TABLE IF NOT EXISTS journey_participants (
  journey_id UUID NOT NULL REFERENCES journeys(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'waiting',
  is_active BOOLEAN NOT NULL DEFAULT true,
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  last_location_update TIMESTAMPTZ NULL,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  left_at TIMESTAMPTZ NULL,
  PRIMARY KEY (journey_id, user_id),
  CONSTRAINT chk_location_only_when_picked_up
    CHECK (status = 'picked_up' OR (latitude IS NULL AND longitude IS NULL))
)`,
		`CREATE INDEX IF NOT EXISTS idx_journey_participants_user_active ON journey_participants(user_id) WHERE is_active`,
		`
CREATE TABLE IF NOT EXISTS waiting_records (
  id UUID PRIMARY KEY,
  user_id TEXT NOT NULL,
  stop_id TEXT NOT NULL,
  route_id TEXT NOT NULL,
  journey_id UUID NULL REFERENCES journeys(id) ON DELETE CASCADE,
  transport_type TEXT NOT NULL DEFAULT '',
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (user_id, stop_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_waiting_records_journey ON waiting_records(journey_id, expires_at)`,
		`
CREATE TABLE IF NOT EXISTS route_stops (
  id TEXT PRIMARY KEY,
  route_id TEXT NOT NULL,
  name TEXT NOT NULL,
  order_number INT NOT NULL,
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_route_stops_route_order ON route_stops(route_id, order_number)`,
		`
CREATE TABLE IF NOT EXISTS user_profiles (
  user_id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT ''
)`,
		`
CREATE TABLE IF NOT EXISTS journey_messages (
  id BIGSERIAL PRIMARY KEY,
  journey_id UUID NOT NULL REFERENCES journeys(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  message TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_journey_messages_journey_created ON journey_messages(journey_id, created_at)`,
		`
CREATE TABLE IF NOT EXISTS user_stats (
  user_id TEXT PRIMARY KEY,
  points INT NOT NULL DEFAULT 0,
  trips INT NOT NULL DEFAULT 0,
  ride_minutes INT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE OR REPLACE FUNCTION increment_trip_stats(p_user_id TEXT, p_trips INT, p_minutes INT)
RETURNS TABLE (trips INT, ride_minutes INT) AS $$
  INSERT INTO user_stats AS s (user_id, trips, ride_minutes, updated_at)
  VALUES (p_user_id, p_trips, p_minutes, now())
  ON CONFLICT (user_id) DO UPDATE
    SET trips = s.trips + EXCLUDED.trips,
        ride_minutes = s.ride_minutes + EXCLUDED.ride_minutes,
        updated_at = now()
  RETURNING s.trips, s.ride_minutes
$$ LANGUAGE sql`,
		fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_change() RETURNS trigger AS $$
DECLARE
  rec RECORD;
  payload JSONB;
BEGIN
  IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
  payload := jsonb_build_object('table', TG_TABLE_NAME, 'op', TG_OP) || jsonb_strip_nulls(jsonb_build_object(
    'id', to_jsonb(rec) ->> 'id',
    'journey_id', to_jsonb(rec) ->> 'journey_id',
    'user_id', to_jsonb(rec) ->> 'user_id'));
  PERFORM pg_notify('%s', payload::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql`, feedChannel),
		notifyTrigger("journeys"),
		notifyTrigger("journey_participants"),
		notifyTrigger("waiting_records"),
		notifyTrigger("journey_messages"),
	}
}

func notifyTrigger(table string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE TRIGGER trg_%[1]s_notify
AFTER INSERT OR UPDATE OR DELETE ON %[1]s
FOR EACH ROW EXECUTE FUNCTION notify_change()`, table)
}
