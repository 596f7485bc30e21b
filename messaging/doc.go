// Package messaging batches queued events and hands them to the broker.
//
// A single Consumer goroutine pops events from the hand-off queue. With
// grouping on it drains whatever is already queued, up to MaxBatchSize
// events, into one JSON array; with grouping off every event becomes its
// own message. Delivery is at-most-once: a batch that fails to serialize
// or publish is logged and dropped.
//
// Example usage:
//
//	q := queue.New()
//	encoder := serialization.NewSerializer()
//	consumer := messaging.NewConsumer(q, encoder, publisher,
//		messaging.WithConsumerLogger(logger))
//	go consumer.Run(ctx)
//
//	q.Push(evt)
//
//	// shutting down
//	consumer.Stop()
//	q.PushShutdown()
//	<-consumer.Done()
package messaging
