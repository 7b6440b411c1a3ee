package telemetry

// Change detection metrics
var (
	// RecordsDetected counts rows seen by source (push, poll) and table
	RecordsDetected CounterVec = noopCounterVec{}

	// DuplicatesDropped counts rows suppressed by the cross-path dedup
	DuplicatesDropped Counter = NoopStat{}

	// PollTicksTotal counts poll scanner ticks
	PollTicksTotal Counter = NoopStat{}

	// PollErrorsTotal counts ticks that failed and hit the cooldown
	PollErrorsTotal Counter = NoopStat{}

	// ListenerConnected is 1 while the push listener is connected
	ListenerConnected Gauge = NoopStat{}

	// ReconnectsTotal counts reconnection attempts by result (success, failed)
	ReconnectsTotal CounterVec = noopCounterVec{}
)

// Delivery metrics
var (
	// NotificationsTotal counts destination deliveries by result (sent, failed)
	NotificationsTotal CounterVec = noopCounterVec{}

	// AdminFallbacksTotal counts notifications that fell back to administrators
	AdminFallbacksTotal Counter = NoopStat{}

	// AdminAlertsTotal counts operational alerts sent to administrators
	AdminAlertsTotal Counter = NoopStat{}
)

// Registry metrics
var (
	// ActiveSubscriptions tracks the audience directory's active set size
	ActiveSubscriptions Gauge = NoopStat{}

	// CacheEntries tracks the read-cache size
	CacheEntries Gauge = NoopStat{}
)

func bindMetrics() {
	RecordsDetected = NewCounterVec("records_detected_total", "Rows detected by source and table", []string{"source", "table"})
	DuplicatesDropped = NewCounter("duplicates_dropped_total", "Rows suppressed by cross-path dedup")
	PollTicksTotal = NewCounter("poll_ticks_total", "Poll scanner ticks")
	PollErrorsTotal = NewCounter("poll_errors_total", "Poll scanner ticks that failed")
	ListenerConnected = NewGauge("listener_connected", "1 while the push listener is connected")
	ReconnectsTotal = NewCounterVec("reconnects_total", "Reconnection attempts by result", []string{"result"})

	NotificationsTotal = NewCounterVec("notifications_total", "Destination deliveries by result", []string{"result"})
	AdminFallbacksTotal = NewCounter("admin_fallbacks_total", "Notifications delivered to administrators instead of groups")
	AdminAlertsTotal = NewCounter("admin_alerts_total", "Operational alerts sent to administrators")

	ActiveSubscriptions = NewGauge("active_subscriptions", "Active subscribed destinations")
	CacheEntries = NewGauge("cache_entries", "Entries in the read-query cache")
}
