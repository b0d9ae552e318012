/*
Package events provides an in-process pub/sub broker for recovery-stack
events.

Components publish through the Publisher interface; a nil Publisher turns
publishing off, so the broker is optional everywhere. Publish never blocks
the caller. When the shared queue is full the event is counted as dropped,
and when a subscriber's buffer is full that subscriber misses the event.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Message)
	}
*/
package events
