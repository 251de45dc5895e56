// Package keystore provides durable storage for key documents.
// All counter mutations go through filtered compare-and-set updates; no
// component caches mutable key state between operations.
package keystore

import (
	"github.com/mailtester/keybroker-go/internal/plan"
)

// Status is the lifecycle state of a key.
type Status string

const (
	// StatusActive keys are selectable by the reservation engine.
	StatusActive Status = "active"
	// StatusExhausted keys hit their daily limit inside an unexpired day
	// window. The day sweep reactivates them after rollover.
	StatusExhausted Status = "exhausted"
	// StatusBanned keys were disabled by a reconciler. The engine never
	// selects them and no sweep reactivates them.
	StatusBanned Status = "banned"
)

// Key is the single persisted entity: one document per subscription id.
// Timestamps are epoch milliseconds; LastUsed is 0 when never reserved.
type Key struct {
	SubscriptionID string    `bson:"_id" json:"subscriptionId"`
	Plan           plan.Plan `bson:"plan" json:"plan"`
	Status         Status    `bson:"status" json:"status"`
	WindowLimit    int       `bson:"windowLimit" json:"windowLimit"`
	DailyLimit     int       `bson:"dailyLimit" json:"dailyLimit"`
	AvgIntervalMs  int64     `bson:"avgIntervalMs" json:"avgRequestIntervalMs"`
	UsedInWindow   int       `bson:"usedInWindow" json:"usedInWindow"`
	WindowStart    int64     `bson:"windowStart" json:"windowStart"`
	UsedDaily      int       `bson:"usedDaily" json:"usedDaily"`
	DayStart       int64     `bson:"dayStart" json:"dayStart"`
	LastUsed       int64     `bson:"lastUsed" json:"lastUsed"`
}

// NewKey returns a fresh key document with zeroed counters and both window
// anchors set to nowMs.
func NewKey(subscriptionID string, pl plan.Plan, limits plan.Limits, nowMs int64) Key {
	return Key{
		SubscriptionID: subscriptionID,
		Plan:           pl,
		Status:         StatusActive,
		WindowLimit:    limits.WindowLimit,
		DailyLimit:     limits.DailyLimit,
		AvgIntervalMs:  limits.AvgIntervalMs,
		UsedInWindow:   0,
		WindowStart:    nowMs,
		UsedDaily:      0,
		DayStart:       nowMs,
		LastUsed:       0,
	}
}
