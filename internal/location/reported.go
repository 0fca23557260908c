package location

import (
	"context"
	"sync"
	"time"
)

// ReportedDevice is a Device fed by the rider's app. Fixes and permission
// answers arrive over HTTP and are served back to the tracker.
type ReportedDevice struct {
	mu        sync.Mutex
	perm      PermissionStatus
	prompt    bool
	fix       *Position
	maxFixAge time.Duration
	now       func() time.Time
}

func NewReportedDevice(maxFixAge time.Duration) *ReportedDevice {
	if maxFixAge <= 0 {
		maxFixAge = 2 * time.Minute
	}
	return &ReportedDevice{perm: PermissionUndetermined, maxFixAge: maxFixAge, now: time.Now}
}

func (d *ReportedDevice) Permission(ctx context.Context) (PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perm, nil
}

// RequestForegroundPermission raises a prompt for the app when the rider has
// not answered yet. It never blocks; the caller sees undetermined until
// AnswerPermission is called.
func (d *ReportedDevice) RequestForegroundPermission(ctx context.Context) (PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perm == PermissionUndetermined {
		d.prompt = true
	}
	return d.perm, nil
}

func (d *ReportedDevice) CurrentPosition(ctx context.Context, acc Accuracy) (Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perm != PermissionGranted {
		return Position{}, ErrPermissionDenied
	}
	if d.fix == nil || d.now().Sub(d.fix.At) > d.maxFixAge {
		return Position{}, ErrPositionUnavailable
	}
	return *d.fix, nil
}

func (d *ReportedDevice) AnswerPermission(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompt = false
	if granted {
		d.perm = PermissionGranted
	} else {
		d.perm = PermissionDenied
		d.fix = nil
	}
}

// ReportFix stores the latest fix. A zero timestamp means now.
func (d *ReportedDevice) ReportFix(p Position) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.At.IsZero() {
		p.At = d.now()
	}
	if d.fix != nil && p.At.Before(d.fix.At) {
		return
	}
	d.fix = &p
}

func (d *ReportedDevice) PromptPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompt
}
