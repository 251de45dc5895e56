package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/registry"
)

// Verdict is the upstream provider's opinion of one key.
type Verdict string

const (
	VerdictValid     Verdict = "valid"
	VerdictInvalid   Verdict = "invalid"
	VerdictSuspended Verdict = "suspended"
)

// Checker asks the upstream provider about one subscription key.
type Checker interface {
	Check(ctx context.Context, subscriptionID string) (Verdict, error)
}

const (
	probeTimeout     = 10 * time.Second
	probeConcurrency = 4
)

// HTTPChecker probes keys against a URL template containing one %s
// placeholder for the subscription id.
type HTTPChecker struct {
	urlTemplate string
	client      *http.Client
}

// NewHTTPChecker creates a checker for the given URL template.
func NewHTTPChecker(urlTemplate string) *HTTPChecker {
	return &HTTPChecker{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: probeTimeout},
	}
}

// Check performs one probe. A non-200 reply counts as a transient error so
// an upstream outage can never cull the pool.
func (c *HTTPChecker) Check(ctx context.Context, subscriptionID string) (Verdict, error) {
	url := fmt.Sprintf(c.urlTemplate, subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	switch Verdict(body.Status) {
	case VerdictInvalid:
		return VerdictInvalid, nil
	case VerdictSuspended:
		return VerdictSuspended, nil
	default:
		return VerdictValid, nil
	}
}

// HealthProber culls keys the upstream no longer honors.
type HealthProber struct {
	registry *registry.Registry
	store    keystore.Store
	checker  Checker
	log      *logger.Logger
}

// NewHealthProber creates the nightly prober.
func NewHealthProber(reg *registry.Registry, store keystore.Store, checker Checker, log *logger.Logger) *HealthProber {
	return &HealthProber{
		registry: reg,
		store:    store,
		checker:  checker,
		log:      log.WithModule("reconcile.health"),
	}
}

// Run probes every key with bounded parallelism. Invalid keys are deleted,
// suspended keys are banned, transient check errors leave the key alone.
func (p *HealthProber) Run(ctx context.Context) error {
	keys, err := p.store.FindAll(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for _, k := range keys {
		g.Go(func() error {
			p.probe(gctx, k)
			return nil
		})
	}

	_ = g.Wait()
	p.log.WithField("probed", len(keys)).Info("Key health pass complete")
	return nil
}

func (p *HealthProber) probe(ctx context.Context, k keystore.Key) {
	verdict, err := p.checker.Check(ctx, k.SubscriptionID)
	if err != nil {
		p.log.WithError(err).
			WithField("subscription_id", k.SubscriptionID).
			Warn("Key health check failed, keeping key")
		return
	}

	switch verdict {
	case VerdictInvalid:
		if err := p.registry.Delete(ctx, k.SubscriptionID); err != nil {
			p.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Error("Invalid key delete failed")
			return
		}
		p.log.WithField("subscription_id", k.SubscriptionID).Warn("Invalid key removed")
	case VerdictSuspended:
		if err := p.store.SetStatus(ctx, k.SubscriptionID, keystore.StatusBanned); err != nil {
			p.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Error("Suspended key ban failed")
			return
		}
		p.log.WithField("subscription_id", k.SubscriptionID).Warn("Suspended key banned")
	}
}

// NextMidnightUTC returns the next daily schedule boundary after now.
func NextMidnightUTC(now time.Time) time.Time {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next
}
