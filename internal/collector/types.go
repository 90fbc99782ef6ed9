// Package collector implements the C8 tracking-event ingress: validation,
// rate limiting, deduplication, and publication of high-volume affiliate
// events (clicks, impressions, conversions, page views).
package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrNotRetriable is returned by RetryEvent when the target event is not in
// the FAILED state.
var ErrNotRetriable = errors.New("collector: event is not in a retriable state")

// Kind is a tracking event type. Each has its own broker topic.
type Kind string

const (
	KindClick       Kind = "CLICK"
	KindImpression  Kind = "IMPRESSION"
	KindConversion  Kind = "CONVERSION"
	KindPageView    Kind = "PAGE_VIEW"
)

// State is the terminal disposition of an ingested event.
type State string

const (
	StateAccepted  State = "ACCEPTED"
	StateDiscarded State = "DISCARDED"
	StateFailed    State = "FAILED"
)

// Event is one inbound tracking event, as submitted to the ingress endpoint.
type Event struct {
	Kind       Kind              `json:"kind"`
	Affiliate  string            `json:"affiliate"`
	Campaign   string            `json:"campaign,omitempty"`
	Offer      string            `json:"offer,omitempty"`
	URL        string            `json:"url,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      *float64          `json:"value,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	CustomData map[string]string `json:"custom_data,omitempty"`
}

// Fingerprint computes the SHA-256 dedup hash over kind, affiliate,
// campaign, offer, url, timestamp, and custom data, with custom-data keys
// sorted so the hash is stable regardless of map iteration or field order.
func (e Event) Fingerprint() string {
	keys := make([]string, 0, len(e.CustomData))
	for k := range e.CustomData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sortedCustom := make(map[string]string, len(keys))
	for _, k := range keys {
		sortedCustom[k] = e.CustomData[k]
	}

	payload, _ := json.Marshal(struct {
		Kind      Kind              `json:"kind"`
		Affiliate string            `json:"affiliate"`
		Campaign  string            `json:"campaign"`
		Offer     string            `json:"offer"`
		URL       string            `json:"url"`
		Timestamp string            `json:"timestamp"`
		Custom    map[string]string `json:"custom"`
	}{e.Kind, e.Affiliate, e.Campaign, e.Offer, e.URL, e.Timestamp.UTC().Format(time.RFC3339Nano), sortedCustom})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PartitionKey is the affiliate ID, or affiliate#campaign when a campaign is
// present, preserving per-affiliate publish order.
func (e Event) PartitionKey() string {
	if e.Campaign != "" {
		return e.Affiliate + "#" + e.Campaign
	}
	return e.Affiliate
}

// Topic is the per-kind broker topic this event publishes to.
func (e Event) Topic() string {
	return "tracking.commands.Register" + titleCase(string(e.Kind)) + ".v1"
}

func titleCase(kind string) string {
	switch Kind(kind) {
	case KindClick:
		return "Click"
	case KindImpression:
		return "Impression"
	case KindConversion:
		return "Conversion"
	case KindPageView:
		return "PageView"
	default:
		return string(kind)
	}
}
