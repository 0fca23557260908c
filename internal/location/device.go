package location

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("no recent location fix")
)

type Accuracy int

const (
	Balanced Accuracy = iota
	High
)

type PermissionStatus string

const (
	PermissionUndetermined PermissionStatus = "undetermined"
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
)

type Position struct {
	Lat       float64   `json:"latitude"`
	Lng       float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	At        time.Time `json:"recorded_at"`
}

// Device is the rider's positioning capability.
type Device interface {
	Permission(ctx context.Context) (PermissionStatus, error)
	RequestForegroundPermission(ctx context.Context) (PermissionStatus, error)
	CurrentPosition(ctx context.Context, acc Accuracy) (Position, error)
}

// EnsurePermission asks for foreground permission when it has not been
// granted yet. Anything other than granted is ErrPermissionDenied.
func EnsurePermission(ctx context.Context, dev Device) error {
	st, err := dev.Permission(ctx)
	if err != nil {
		return errors.Wrap(err, "read location permission")
	}
	if st == PermissionGranted {
		return nil
	}
	st, err = dev.RequestForegroundPermission(ctx)
	if err != nil {
		return errors.Wrap(err, "request location permission")
	}
	if st != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}
