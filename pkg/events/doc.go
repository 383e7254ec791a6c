/*
Package events is a non-blocking, in-process pub/sub bus for dispatchd's
task lifecycle.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("%s %s %s\n", ev.Timestamp, ev.TaskID, ev.Kind)
		}
	}()

Publish never blocks the caller: a full subscriber buffer or a full
broker queue drops the event rather than stalling a task's pipeline
goroutine. This makes the bus suitable for the debug event stream and
audit logging, not for anything that needs guaranteed delivery.
*/
package events
