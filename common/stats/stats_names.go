package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Poller metrics **************************/
	/*
		number of poll cycles run
	*/
	PollerCycleCounter = "cycleCounter"

	/*
		time spent in one poll cycle, not counting the sleep
	*/
	PollerCycleLatency_ms = "cycleLatency_ms"

	/*
		number of batched fetches issued (one per cycle with a non empty due set)
	*/
	PollerFetchCounter = "fetchCounter"

	/*
		time spent waiting on the batched fetch
	*/
	PollerFetchLatency_ms = "fetchLatency_ms"

	/*
		number of descriptors that were due in the last cycle
	*/
	PollerDueGauge = "dueGauge"

	/*
		number of subscriptions actively polled
	*/
	PollerActiveGauge = "activeGauge"

	/*
		number of subscriptions parked in the unavailability repository
	*/
	PollerUnavailableGauge = "unavailableGauge"

	/*
		number of value events handed to subscriptions
	*/
	PollerDispatchCounter = "dispatchCounter"

	/*
		number of subscriptions moved from active polling to the unavailability repository
	*/
	PollerEvictedCounter = "evictedCounter"

	/*
		number of individual probes, both fallback probes after a rejected batch and backoff retests
	*/
	PollerProbeCounter = "probeCounter"

	/*
		number of backoff retests
	*/
	PollerRetestCounter = "retestCounter"

	/*
		number of subscriptions promoted back to active polling after a successful retest
	*/
	PollerReattachedCounter = "reattachedCounter"

	/*
		number of times the transport reported the connection as down
	*/
	PollerConnectionLostCounter = "connectionLostCounter"

	/************************* Notification metrics **************************/
	/*
		number of transport notification registrations
	*/
	NotificationRegisterCounter = "registerCounter"

	/*
		number of failed transport notification registrations
	*/
	NotificationRegisterErrCounter = "registerErrCounter"

	/*
		number of transport notification unregistrations that failed and were swallowed
	*/
	NotificationUnregisterErrCounter = "unregisterErrCounter"

	/*
		number of notifications turned into value events
	*/
	NotificationEventCounter = "eventCounter"

	/*
		number of notifications dropped because no handler was current or the value path was missing
	*/
	NotificationDroppedCounter = "droppedCounter"

	/*
		number of live notification handlers
	*/
	NotificationHandlersGauge = "handlersGauge"

	/************************* Registry metrics **************************/
	/*
		number of live subscriptions, all kinds
	*/
	RegistrySubscriptionsGauge = "subscriptionsGauge"

	/*
		number of listeners bound to at least one descriptor
	*/
	RegistryListenersGauge = "listenersGauge"

	/*
		number of subscriptions created
	*/
	RegistryCreatedCounter = "createdCounter"

	/*
		number of subscriptions destroyed because their last listener went away
	*/
	RegistryDestroyedCounter = "destroyedCounter"

	/************************* Object tracker metrics **************************/
	/*
		number of object registered/unregistered updates applied
	*/
	ObjectsUpdateCounter = "updateCounter"

	/*
		number of failed object list fetches
	*/
	ObjectsFetchErrCounter = "fetchErrCounter"

	/*
		number of known remote objects
	*/
	ObjectsKnownGauge = "knownGauge"
)
