package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// KeySpec is one preloaded key declaration: the subscription id plus the
// plan it should be registered under. JSON sources may name the id either
// "subscriptionId" or "id"; the former wins when both are present.
type KeySpec struct {
	SubscriptionID string `json:"subscriptionId"`
	ID             string `json:"id,omitempty"`
	Plan           string `json:"plan"`
}

// LoadKeySpecs resolves the desired key set from the environment. Sources
// are checked in fixed precedence and the first non-empty one wins:
//
//  1. MAILTESTER_KEYS_JSON       inline JSON array of {subscriptionId, plan}
//  2. MAILTESTER_KEYS_JSON_PATH  path to a file holding the same JSON
//  3. MAILTESTER_KEYS_WITH_PLAN  comma list of id:plan pairs
//  4. MAILTESTER_KEYS            comma list of ids, plan from
//     MAILTESTER_DEFAULT_PLAN
//
// No source set returns (nil, nil): an empty pool is valid, keys can still
// arrive through the HTTP registration endpoint.
func LoadKeySpecs() ([]KeySpec, error) {
	if raw := os.Getenv(EnvKeysJSON); strings.TrimSpace(raw) != "" {
		return parseKeysJSON([]byte(raw), EnvKeysJSON)
	}

	if path := strings.TrimSpace(os.Getenv(EnvKeysJSONPath)); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvKeysJSONPath, err)
		}
		return parseKeysJSON(raw, EnvKeysJSONPath)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvKeysWithPlan)); raw != "" {
		return parseKeysWithPlan(raw)
	}

	if raw := strings.TrimSpace(os.Getenv(EnvKeys)); raw != "" {
		return parsePlainKeys(raw, os.Getenv(EnvDefaultPlan)), nil
	}

	return nil, nil
}

// ParseKeySpecFile reads one JSON key file. Used by the file watcher when
// MAILTESTER_KEYS_JSON_PATH changes on disk.
func ParseKeySpecFile(path string) ([]KeySpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseKeysJSON(raw, path)
}

func parseKeysJSON(raw []byte, source string) ([]KeySpec, error) {
	var specs []KeySpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("%s: invalid key JSON: %w", source, err)
	}

	out := specs[:0]
	for _, s := range specs {
		s.SubscriptionID = strings.TrimSpace(s.SubscriptionID)
		if s.SubscriptionID == "" {
			s.SubscriptionID = strings.TrimSpace(s.ID)
		}
		s.ID = ""
		if s.SubscriptionID == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func parseKeysWithPlan(raw string) ([]KeySpec, error) {
	var specs []KeySpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, planName, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("%s: entry %q is not id:plan", EnvKeysWithPlan, entry)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		specs = append(specs, KeySpec{
			SubscriptionID: id,
			Plan:           strings.TrimSpace(planName),
		})
	}
	return specs, nil
}

func parsePlainKeys(raw, defaultPlan string) []KeySpec {
	var specs []KeySpec
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		specs = append(specs, KeySpec{SubscriptionID: id, Plan: defaultPlan})
	}
	return specs
}
