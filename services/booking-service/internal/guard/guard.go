package guard

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// Claim is one occupant of a resource: an active hold or an occupying booking.
type Claim struct {
	ID         string
	TenantID   string
	ResourceID string
	OwnerID    string
	Interval   model.Interval
	Cost       int
}

type ClaimRequest struct {
	ClaimID    string
	TenantID   string
	ResourceID string
	// OwnerID is the hold or booking holding the claim; it is what conflicts report.
	OwnerID  string
	Interval model.Interval
	Cost     int
	Capacity int
	// Supersedes names a claim of the same occupant that admission ignores. Used when a booking
	// moves to an overlapping interval and both claims exist until the move commits.
	Supersedes string
}

func (r ClaimRequest) claim() Claim {
	return Claim{
		ID:         r.ClaimID,
		TenantID:   r.TenantID,
		ResourceID: r.ResourceID,
		OwnerID:    r.OwnerID,
		Interval:   r.Interval.UTC(),
		Cost:       r.Cost,
	}
}

func (r ClaimRequest) validate() error {
	switch {
	case r.ClaimID == "":
		return model.Invalid("claim_id", "required")
	case r.TenantID == "" || r.ResourceID == "":
		return model.Invalid("resource_id", "required")
	case !r.Interval.Valid():
		return &model.InvalidRangeError{From: r.Interval.Start, To: r.Interval.End}
	case r.Cost < 1:
		return model.Invalid("cost", "must be at least 1")
	case r.Capacity < 1:
		return model.Invalid("capacity", "must be at least 1")
	case r.Cost > r.Capacity:
		return model.Invalid("cost", "exceeds resource capacity")
	}
	return nil
}

// Guard is the single arbiter of which claims hold calendar space on a resource.
// For every resource and instant, the summed cost of claims covering it never exceeds the
// capacity passed with the claims.
type Guard interface {
	// TryClaim admits the claim or fails with *model.SlotUnavailableError. Re-claiming an id that
	// is already held returns the existing claim.
	TryClaim(ctx context.Context, req ClaimRequest) (Claim, error)
	// Release drops a claim. Releasing an unknown or already released claim is a no-op.
	Release(ctx context.Context, claimID string) error
	Active(ctx context.Context, claimID string) (bool, error)
	// Snapshot returns the claims on a resource overlapping window. A zero window returns all.
	Snapshot(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]Claim, error)
	// Claims returns every claim the guard holds, across resources.
	Claims(ctx context.Context) ([]Claim, error)
	// Restore loads claims recorded in storage, without admission checks. Claim ids the guard
	// already holds are left as they are.
	Restore(ctx context.Context, claims []Claim) error
}

const (
	ResultAdmitted = "admitted"
	ResultRejected = "rejected"
	ResultBusy     = "busy"
	ResultReplayed = "replayed"
)

// Observer receives claim outcomes and how long the caller waited for the resource.
type Observer interface {
	ObserveClaim(result string, wait time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveClaim(string, time.Duration) {}

// PeakLoad returns the highest summed cost of claims covering any instant of window, ignoring the
// claim named skip, plus the owners of the overlapping claims.
func PeakLoad(claims []Claim, window model.Interval, skip string) (int, []string) {
	var overlapping []Claim
	for _, c := range claims {
		if c.ID == skip || !c.Interval.Overlaps(window) {
			continue
		}
		overlapping = append(overlapping, c)
	}
	if len(overlapping) == 0 {
		return 0, nil
	}

	// The load inside window only rises at window.Start or at a claim start.
	points := []time.Time{window.Start}
	for _, c := range overlapping {
		if c.Interval.Start.After(window.Start) {
			points = append(points, c.Interval.Start)
		}
	}
	peak := 0
	for _, p := range points {
		load := 0
		for _, c := range overlapping {
			if !p.Before(c.Interval.Start) && p.Before(c.Interval.End) {
				load += c.Cost
			}
		}
		if load > peak {
			peak = load
		}
	}

	owners := make([]string, 0, len(overlapping))
	for _, c := range overlapping {
		id := c.OwnerID
		if id == "" {
			id = c.ID
		}
		owners = append(owners, id)
	}
	return peak, owners
}

func resourceKey(tenantID, resourceID string) string {
	return tenantID + "/" + resourceID
}

func unavailable(req ClaimRequest, owners []string) error {
	return &model.SlotUnavailableError{ResourceID: req.ResourceID, Interval: req.Interval, ConflictingIDs: owners}
}
