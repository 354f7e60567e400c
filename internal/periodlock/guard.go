// Package periodlock answers whether a posting date falls inside a finalized
// tax period.
package periodlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/taxclose/internal/shared"
)

// ErrPeriodLocked is returned by EnsureEditable for locked dates.
var ErrPeriodLocked = errors.New("periodlock: tax period is closed")

// LockedPeriod identifies the finalized closing covering a date.
type LockedPeriod struct {
	ClosingID int64     `json:"closing_id"`
	Name      string    `json:"name"`
	DateFrom  time.Time `json:"date_from"`
	DateTo    time.Time `json:"date_to"`
}

// Status is the answer for one company and date.
type Status struct {
	Locked      bool   `json:"locked"`
	Bypassed    bool   `json:"bypassed"`
	ClosingID   *int64 `json:"closing_id,omitempty"`
	ClosingName string `json:"closing_name,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Store finds the finalized closing covering date.
type Store interface {
	FindLockedPeriod(ctx context.Context, company string, date time.Time) (*LockedPeriod, error)
}

// Cache stores lookups under a version that Invalidate bumps.
type Cache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Guard evaluates period locks.
type Guard struct {
	store       Store
	cache       Cache
	bypassRoles []string
	logger      *slog.Logger
}

// NewGuard constructs a Guard. cache may be nil.
func NewGuard(store Store, cache Cache, bypassRoles []string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	roles := make([]string, 0, len(bypassRoles))
	for _, role := range bypassRoles {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &Guard{store: store, cache: cache, bypassRoles: roles, logger: logger}
}

// lookup is the cached form of a store answer.
type lookup struct {
	Found  bool          `json:"found"`
	Period *LockedPeriod `json:"period,omitempty"`
}

// IsLocked reports whether date is inside a finalized period of company. A
// locked date is still editable for bypass roles; Bypassed tells them so.
func (g *Guard) IsLocked(ctx context.Context, company string, date time.Time, actor shared.Actor) (Status, error) {
	company = strings.TrimSpace(company)
	if company == "" {
		return Status{}, errors.New("periodlock: company required")
	}
	if date.IsZero() {
		return Status{}, errors.New("periodlock: date required")
	}
	day := shared.DateOnly(date)

	found, err := g.find(ctx, company, day)
	if err != nil {
		return Status{}, err
	}
	if !found.Found || found.Period == nil {
		return Status{}, nil
	}
	id := found.Period.ClosingID
	status := Status{ClosingID: &id, ClosingName: found.Period.Name}
	if actor.HasAnyRole(g.bypassRoles...) {
		status.Bypassed = true
		status.Message = fmt.Sprintf("tax period %s is closed; edit allowed for privileged role", found.Period.Name)
		return status, nil
	}
	status.Locked = true
	status.Message = fmt.Sprintf("tax period %s is closed for %s (%s to %s)", found.Period.Name, company,
		found.Period.DateFrom.Format(shared.DateLayout), found.Period.DateTo.Format(shared.DateLayout))
	return status, nil
}

func (g *Guard) find(ctx context.Context, company string, day time.Time) (lookup, error) {
	var storeErr error
	load := func(ctx context.Context) (any, error) {
		period, err := g.store.FindLockedPeriod(ctx, company, day)
		if err != nil {
			storeErr = fmt.Errorf("periodlock: find locked period: %w", err)
			return nil, storeErr
		}
		return lookup{Found: period != nil, Period: period}, nil
	}
	if g.cache != nil {
		key, err := g.cache.BuildKey(ctx, company, day.Format(shared.DateLayout))
		if err == nil {
			var out lookup
			if err = g.cache.FetchJSON(ctx, key, &out, load); err == nil {
				return out, nil
			}
			if storeErr != nil {
				return lookup{}, storeErr
			}
		}
		g.logger.Warn("period lock cache unavailable", slog.String("company", company), slog.Any("error", err))
	}
	value, err := load(ctx)
	if err != nil {
		return lookup{}, err
	}
	return value.(lookup), nil
}

// EnsureEditable returns ErrPeriodLocked when actor may not edit tax data
// dated date.
func (g *Guard) EnsureEditable(ctx context.Context, company string, date time.Time, actor shared.Actor) error {
	status, err := g.IsLocked(ctx, company, date, actor)
	if err != nil {
		return err
	}
	if status.Locked {
		return fmt.Errorf("%w: %s", ErrPeriodLocked, status.Message)
	}
	return nil
}

// Invalidate drops every cached answer. Called after finalize and cancel.
func (g *Guard) Invalidate(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Bump(ctx)
}
