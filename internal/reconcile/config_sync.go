// Package reconcile keeps the key pool aligned with external truth: the
// declared key set from configuration, and the upstream provider's opinion
// of each key's validity.
package reconcile

import (
	"context"

	"github.com/mailtester/keybroker-go/internal/config"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/registry"
)

// ConfigSync applies a declared key set to the registry.
type ConfigSync struct {
	registry *registry.Registry
	log      *logger.Logger
}

// NewConfigSync creates a config reconciler.
func NewConfigSync(reg *registry.Registry, log *logger.Logger) *ConfigSync {
	return &ConfigSync{
		registry: reg,
		log:      log.WithModule("reconcile.config"),
	}
}

// Apply registers every declared key, updating plans of existing ones.
// Individual failures are logged and skipped so one bad entry cannot block
// the rest of the pool.
func (s *ConfigSync) Apply(ctx context.Context, specs []config.KeySpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	applied := 0
	for _, spec := range specs {
		if err := s.registry.Register(ctx, spec.SubscriptionID, spec.Plan); err != nil {
			s.log.WithError(err).
				WithField("subscription_id", spec.SubscriptionID).
				Warn("Key sync entry failed")
			continue
		}
		applied++
	}

	s.log.WithFields(map[string]any{
		"declared": len(specs),
		"applied":  applied,
	}).Info("Key set synced")
	return nil
}

// ApplyAndPrune applies the declared set and then deletes every stored key
// not in it. Pruning only makes sense for file-backed sources, where the
// file is authoritative for the whole pool.
func (s *ConfigSync) ApplyAndPrune(ctx context.Context, specs []config.KeySpec) error {
	if err := s.Apply(ctx, specs); err != nil {
		return err
	}

	declared := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		declared[spec.SubscriptionID] = struct{}{}
	}

	stored, err := s.registry.ListStatus(ctx)
	if err != nil {
		return err
	}

	pruned := 0
	for _, k := range stored {
		if _, ok := declared[k.SubscriptionID]; ok {
			continue
		}
		if err := s.registry.Delete(ctx, k.SubscriptionID); err != nil {
			s.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Warn("Key prune failed")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		s.log.WithField("pruned", pruned).Info("Undeclared keys pruned")
	}
	return nil
}
