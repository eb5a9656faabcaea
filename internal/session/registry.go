// Package session tracks the active logins of an account and its bounded
// login history.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authgate/internal/geo"
	"github.com/welldanyogia/authgate/internal/repository"
)

const (
	// MaxSessions bounds the active session list of an account
	MaxSessions = 10
	// MaxHistory bounds the login history of an account
	MaxHistory = 50
	// InactivityTTL is how long an idle session survives
	InactivityTTL = 30 * 24 * time.Hour
	// TouchInterval throttles last-activity writes
	TouchInterval = time.Minute
	// LookupTimeout bounds geolocation during login
	LookupTimeout = 2 * time.Second
)

var ErrSessionNotFound = errors.New("session not found")

// Locator resolves locations for new sessions
type Locator interface {
	LookupIP(ctx context.Context, ip string) (*repository.Location, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (*repository.Location, error)
}

// RequestContext carries the client signals of a login request
type RequestContext struct {
	UserAgent string
	IPAddress string
	Latitude  *float64
	Longitude *float64
}

// Draft is a session description resolved before the account is locked
// for update, so no I/O happens inside the transaction.
type Draft struct {
	Device    repository.Device
	IPAddress string
	Location  *repository.Location
}

// AttachResult describes what Attach changed
type AttachResult struct {
	Session repository.Session
	// Evicted holds login-history entries pushed out of the ring
	Evicted []repository.LoginRecord
	// NewDevice is set when no earlier session or login used this device
	NewDevice bool
}

// Registry manages the sessions stored on an account. Mutating methods
// change the account in place; callers persist it inside a repository update.
type Registry struct {
	locator Locator
	parser  *DeviceParser
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a Registry. locator may be nil, in which case every
// session has an unknown location.
func NewRegistry(locator Locator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locator: locator,
		parser:  NewDeviceParser(),
		timeout: LookupTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Prepare parses the device and resolves the location of a login request.
// Client coordinates win over the IP lookup when they are plausible and
// resolvable; any lookup failure yields an unknown location.
func (r *Registry) Prepare(ctx context.Context, rc RequestContext) Draft {
	d := Draft{
		Device:    r.parser.Parse(rc.UserAgent),
		IPAddress: rc.IPAddress,
	}
	if r.locator == nil {
		return d
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rc.Latitude != nil && rc.Longitude != nil && geo.PlausibleCoordinates(*rc.Latitude, *rc.Longitude) {
		loc, err := r.locator.ReverseGeocode(ctx, *rc.Latitude, *rc.Longitude)
		if err == nil {
			d.Location = loc
			return d
		}
		r.logger.Debug("reverse geocoding failed", slog.String("error", err.Error()))
	}

	loc, err := r.locator.LookupIP(ctx, rc.IPAddress)
	if err != nil {
		if !errors.Is(err, geo.ErrPrivateAddress) && !errors.Is(err, geo.ErrNotConfigured) {
			r.logger.Debug("ip geolocation failed", slog.String("ip", rc.IPAddress), slog.String("error", err.Error()))
		}
		return d
	}
	d.Location = loc
	return d
}

// Attach adds a new session built from d to the account. The least recently
// active session is evicted when the list is full.
func (r *Registry) Attach(a *repository.Account, d Draft) AttachResult {
	now := r.now().UTC()
	r.prune(a, now)

	newDevice := !r.knownDevice(a, d.Device)

	s := repository.Session{
		ID:             uuid.New().String(),
		AccountID:      a.ID.String(),
		Device:         d.Device,
		IPAddress:      d.IPAddress,
		Location:       d.Location,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}

	for len(a.Sessions) >= MaxSessions {
		oldest := 0
		for i := range a.Sessions {
			if a.Sessions[i].LastActivityAt.Before(a.Sessions[oldest].LastActivityAt) {
				oldest = i
			}
		}
		a.Sessions = append(a.Sessions[:oldest], a.Sessions[oldest+1:]...)
	}
	a.Sessions = append(a.Sessions, s)

	history, evicted := RingFrom(MaxHistory, a.LoginHistory)
	if old, ok := history.Push(repository.LoginRecord{
		SessionID: s.ID,
		IPAddress: s.IPAddress,
		Device:    s.Device,
		Location:  s.Location,
		At:        now,
	}); ok {
		evicted = append(evicted, old)
	}
	a.LoginHistory = history.Items()
	a.LastLoginAt = &now

	return AttachResult{Session: s, Evicted: evicted, NewDevice: newDevice}
}

func (r *Registry) knownDevice(a *repository.Account, d repository.Device) bool {
	for _, s := range a.Sessions {
		if s.Device.Label == d.Label {
			return true
		}
	}
	for _, h := range a.LoginHistory {
		if h.Device.Label == d.Label {
			return true
		}
	}
	return false
}

// Touch refreshes the last activity of a session. It reports whether the
// account changed; absent sessions and recent activity are no-ops.
func (r *Registry) Touch(a *repository.Account, sessionID string) bool {
	now := r.now().UTC()
	for i := range a.Sessions {
		s := &a.Sessions[i]
		if s.ID != sessionID {
			continue
		}
		if now.Sub(s.LastActivityAt) < TouchInterval {
			return false
		}
		s.LastActivityAt = now
		return true
	}
	return false
}

// NeedsTouch reports whether Touch would write for this session
func (r *Registry) NeedsTouch(a *repository.Account, sessionID string) bool {
	now := r.now().UTC()
	for _, s := range a.Sessions {
		if s.ID == sessionID {
			return now.Sub(s.LastActivityAt) >= TouchInterval
		}
	}
	return false
}

// Has reports whether the account holds a live session with the given id
func (r *Registry) Has(a *repository.Account, sessionID string) bool {
	cutoff := r.now().UTC().Add(-InactivityTTL)
	for _, s := range a.Sessions {
		if s.ID == sessionID {
			return s.IsActive && s.LastActivityAt.After(cutoff)
		}
	}
	return false
}

// List prunes stale sessions and returns the rest with currentID first,
// then by most recent activity.
func (r *Registry) List(a *repository.Account, currentID string) []repository.Session {
	r.Prune(a)

	out := make([]repository.Session, len(a.Sessions))
	copy(out, a.Sessions)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].ID == currentID, out[j].ID == currentID
		if ci != cj {
			return ci
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Revoke removes one session
func (r *Registry) Revoke(a *repository.Account, sessionID string) error {
	for i := range a.Sessions {
		if a.Sessions[i].ID == sessionID {
			a.Sessions = append(a.Sessions[:i], a.Sessions[i+1:]...)
			return nil
		}
	}
	return ErrSessionNotFound
}

// RevokeAllExceptCurrent keeps only currentID and returns how many
// sessions were removed.
func (r *Registry) RevokeAllExceptCurrent(a *repository.Account, currentID string) int {
	kept := a.Sessions[:0]
	removed := 0
	for _, s := range a.Sessions {
		if s.ID == currentID {
			kept = append(kept, s)
			continue
		}
		removed++
	}
	a.Sessions = kept
	return removed
}

// RevokeAll removes every session and returns how many there were
func (r *Registry) RevokeAll(a *repository.Account) int {
	n := len(a.Sessions)
	a.Sessions = nil
	return n
}

// Prune drops sessions idle for longer than InactivityTTL
func (r *Registry) Prune(a *repository.Account) int {
	return r.prune(a, r.now().UTC())
}

func (r *Registry) prune(a *repository.Account, now time.Time) int {
	cutoff := now.Add(-InactivityTTL)
	kept := a.Sessions[:0]
	for _, s := range a.Sessions {
		if s.LastActivityAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(a.Sessions) - len(kept)
	a.Sessions = kept
	return removed
}

// History returns up to limit login records, newest first
func (r *Registry) History(a *repository.Account, limit int) []repository.LoginRecord {
	ring, _ := RingFrom(MaxHistory, a.LoginHistory)
	return ring.Newest(limit)
}
