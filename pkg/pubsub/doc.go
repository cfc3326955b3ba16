// Package pubsub is a zero-copy publish-subscribe core for processes on one host.
//
// A publisher owns a pool of fixed-size slots in shared memory. It loans a slot, the caller
// writes the payload in place, and Send enqueues a reference to the slot into one bounded
// ring per connected subscriber. Subscribers map the same pool and read the payload where
// the publisher wrote it. Every holder of a reference counts once in the slot's reference
// count, which lives in the slot itself; the last release puts the slot back on the pool's
// free list.
//
//	svc, err := pubsub.OpenOrCreate[Position](ctx, "fleet/positions", pubsub.DefaultConfig())
//	pub, err := svc.NewPublisher(ctx, pubsub.PublisherConfig{})
//	sub, err := svc.NewSubscriber(ctx, pubsub.SubscriberConfig{BufferSize: 2})
//
//	sample, err := pub.Loan()
//	sample.Payload().X = 42
//	recipients, err := sample.Send()
//
//	for {
//		s, err := sub.Receive()
//		if err != nil || s == nil {
//			break
//		}
//		use(s.Payload())
//		s.Release()
//	}
//
// Payload types must have a fixed layout: booleans, numbers, arrays and structs of those.
// A publisher and a subscriber only connect when their payload types produce the same
// signature.
//
// Loan, Send and Receive never block. Exhaustion is reported as ErrResourceExhaustion and
// lost peers as ErrConnectionBroken; corrupted shared state panics with
// ErrProtocolInvariantViolation.
package pubsub
