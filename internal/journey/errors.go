package journey

import "github.com/pkg/errors"

var (
	ErrNoActiveJourney = errors.New("no active journey")
	ErrInvalidJoin     = errors.New("stop_id and route_id are required")
)
