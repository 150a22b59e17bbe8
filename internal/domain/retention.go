package domain

import (
	"fmt"
	"time"
)

// RetentionPolicy is a fixed value object governing how long an archived
// document is kept before the sweep loop hard-deletes it.
type RetentionPolicy struct {
	Name      string
	Duration  time.Duration
	Permanent bool
}

const day = 24 * time.Hour

var (
	Retention30d       = RetentionPolicy{Name: "30d", Duration: 30 * day}
	Retention90d       = RetentionPolicy{Name: "90d", Duration: 90 * day}
	Retention1y        = RetentionPolicy{Name: "1y", Duration: 365 * day}
	Retention3y        = RetentionPolicy{Name: "3y", Duration: 3 * 365 * day}
	Retention7y        = RetentionPolicy{Name: "7y", Duration: 7 * 365 * day}
	Retention10y       = RetentionPolicy{Name: "10y", Duration: 10 * 365 * day}
	RetentionPermanent = RetentionPolicy{Name: "permanent", Permanent: true}
)

var retentionPolicies = map[string]RetentionPolicy{
	Retention30d.Name:       Retention30d,
	Retention90d.Name:       Retention90d,
	Retention1y.Name:        Retention1y,
	Retention3y.Name:        Retention3y,
	Retention7y.Name:        Retention7y,
	Retention10y.Name:       Retention10y,
	RetentionPermanent.Name: RetentionPermanent,
}

// ParseRetentionPolicy resolves a policy by name.
func ParseRetentionPolicy(name string) (RetentionPolicy, error) {
	p, ok := retentionPolicies[name]
	if !ok {
		return RetentionPolicy{}, fmt.Errorf("unknown retention policy: %q", name)
	}
	return p, nil
}

// ExpiresAt computes the sweep deadline for an archive time. Permanent
// policies return a nil deadline and are exempt from sweep.
func (p RetentionPolicy) ExpiresAt(archivedAt time.Time) *time.Time {
	if p.Permanent {
		return nil
	}
	t := archivedAt.Add(p.Duration)
	return &t
}
