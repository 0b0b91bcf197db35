/*
Package pqbus is a message queue that keeps its messages in PostgreSQL.

A Bus connects to the database and hands out Queue handles. Producers Push
bodies onto a queue; consumers Pop (or PopBlocking, or range over Messages)
to claim the oldest available message, then Ack it once processed or
Release it to make it available again.

	bus, err := pqbus.New(ctx, "postgres://localhost/app", pqbus.WithAutoInit())
	if err != nil {
		return err
	}
	defer bus.Close()

	q, err := bus.Queue("emails")
	if err != nil {
		return err
	}
	for msg, err := range q.Messages(ctx) {
		if err != nil {
			return err
		}
		send(msg.Body)
		q.Ack(ctx, msg.ID)
	}

Claims are exclusive row locks taken with FOR UPDATE SKIP LOCKED, so any
number of processes may consume the same queue. A claim that is neither
acknowledged nor released within the claim timeout is returned to the
queue, which makes delivery at-least-once: a handler slower than the claim
timeout may see its message delivered again elsewhere.

Pushes are followed by a NOTIFY on the queue's channel so blocked consumers
wake promptly. Notifications are only a hint; consumers also re-poll every
poll interval.
*/
package pqbus
