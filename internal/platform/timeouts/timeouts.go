// Package timeouts defines shared timeout constants used across processes.
// Centralizing these values prevents drift between process boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// FlushRetryBase is the initial delay between retries of a flush that hit a
// transient storage failure.
const FlushRetryBase = 10 * time.Millisecond

// SubscriptionPoll is the default sleep between polls when a subscription
// finds no new events.
const SubscriptionPoll = 1 * time.Second

// PublisherMessage caps the time allowed to publish a single outbox message.
const PublisherMessage = 10 * time.Second

// Shutdown limits how long background loops wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
