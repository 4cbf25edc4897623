package engine

import "time"

// Contribution bounds
const (
	MinContribution = 1000       // Smallest accepted stake
	MaxContribution = 10_000_000 // Largest accepted stake
)

// Lifecycle constants
const (
	SnipeGuard      = 5 * time.Minute // Window remaining that triggers extension
	SnipeExtension  = 3 * time.Minute // Extension target from the contribution instant
	FeatureDuration = 24 * time.Hour  // How long a winner stays featured
	FeatureCapacity = 2               // Fixed number of featured slots
	TickInterval    = 5 * time.Minute // Lifecycle tick cadence
	AbandonedAfter  = 7 * 24 * time.Hour
)

// DefaultDeadlineHourUTC is the hour of day every bidding window closes at.
const DefaultDeadlineHourUTC = 20

// Worker constants
const (
	DefaultTxTimeout = 30 * time.Second
	workerCount      = 2
	jobQueueSize     = 1024
	refundsPerSecond = 5 // Throttle on ledger credits during loser fan-out
)

// Read cache
const (
	openCacheSize = 1024
	openCacheTTL  = 5 * time.Second
)
