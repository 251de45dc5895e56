// Package registry manages the administrative lifecycle of keys:
// registration, plan updates, removal, and the read-only projections served
// by the status endpoints.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/plan"
)

// LimitsEntry is the /limits projection of one key.
type LimitsEntry struct {
	SubscriptionID       string    `json:"subscriptionId"`
	Plan                 plan.Plan `json:"plan"`
	WindowLimit          int       `json:"windowLimit"`
	DailyLimit           int       `json:"dailyLimit"`
	AvgIntervalMs        int64     `json:"avgRequestIntervalMs"`
	LastUsed             int64     `json:"lastUsed"`
	NextRequestAllowedAt int64     `json:"nextRequestAllowedAt"`
}

// Registry performs durable key administration on the shared store.
type Registry struct {
	store  keystore.Store
	policy *plan.Policy
	log    *logger.Logger

	now func() time.Time
}

// New creates a registry.
func New(store keystore.Store, policy *plan.Policy, log *logger.Logger) *Registry {
	return &Registry{
		store:  store,
		policy: policy,
		log:    log.WithModule("registry"),
		now:    time.Now,
	}
}

// Register creates a key or updates the plan of an existing one.
//
// A new key starts with fresh counters, both anchors at now, and lastUsed 0.
// Re-registration rewrites only plan, limits and spacing: counters, anchors
// and lastUsed survive, so a plan change never grants extra quota.
func (r *Registry) Register(ctx context.Context, subscriptionID, planName string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return domainerrors.NewValidationError("subscriptionId", "must not be empty")
	}

	pl := plan.Normalize(planName)
	limits := r.policy.Limits(pl)

	_, err := r.store.FindOne(ctx, subscriptionID)
	switch {
	case err == nil:
		return r.updatePlan(ctx, subscriptionID, pl, limits)
	case errors.Is(err, domainerrors.ErrNotFound):
		// Fall through to insert.
	default:
		return err
	}

	k := keystore.NewKey(subscriptionID, pl, limits, r.now().UnixMilli())
	err = r.store.Insert(ctx, k)
	if errors.Is(err, domainerrors.ErrAlreadyExists) {
		// Another replica registered the key between our read and insert.
		return r.updatePlan(ctx, subscriptionID, pl, limits)
	}
	if err != nil {
		return err
	}

	r.log.WithFields(map[string]any{
		"subscription_id": subscriptionID,
		"plan":            pl,
	}).Info("Key registered")
	return nil
}

func (r *Registry) updatePlan(ctx context.Context, subscriptionID string, pl plan.Plan, limits plan.Limits) error {
	err := r.store.UpdatePlan(ctx, subscriptionID, keystore.PlanUpdate{
		Plan:          pl,
		WindowLimit:   limits.WindowLimit,
		DailyLimit:    limits.DailyLimit,
		AvgIntervalMs: limits.AvgIntervalMs,
	})
	if err != nil {
		return err
	}
	r.log.WithFields(map[string]any{
		"subscription_id": subscriptionID,
		"plan":            pl,
	}).Info("Key plan updated")
	return nil
}

// Delete removes a key. Deleting an absent key is a successful no-op.
func (r *Registry) Delete(ctx context.Context, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return domainerrors.NewValidationError("subscriptionId", "must not be empty")
	}
	if err := r.store.Delete(ctx, subscriptionID); err != nil {
		return err
	}
	r.log.WithField("subscription_id", subscriptionID).Info("Key deleted")
	return nil
}

// ListStatus returns every key document for the /status projection.
func (r *Registry) ListStatus(ctx context.Context) ([]keystore.Key, error) {
	return r.store.FindAll(ctx)
}

// ListLimits returns the limits-only projection. nextRequestAllowedAt is 0
// for keys that were never used.
func (r *Registry) ListLimits(ctx context.Context) ([]LimitsEntry, error) {
	keys, err := r.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]LimitsEntry, 0, len(keys))
	for _, k := range keys {
		e := LimitsEntry{
			SubscriptionID: k.SubscriptionID,
			Plan:           k.Plan,
			WindowLimit:    k.WindowLimit,
			DailyLimit:     k.DailyLimit,
			AvgIntervalMs:  k.AvgIntervalMs,
			LastUsed:       k.LastUsed,
		}
		if k.LastUsed > 0 {
			e.NextRequestAllowedAt = k.LastUsed + k.AvgIntervalMs
		}
		out = append(out, e)
	}
	return out, nil
}
