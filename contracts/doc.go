// Package contracts defines the event record relayed to the broker.
//
// An Event is an ordered set of JSON fields. Producers stamp it with a
// category ("type") and a monotonic microsecond timestamp ("timestamp");
// everything else is opaque to the relay. Field order is preserved on the
// wire so that downstream consumers see exactly what the producer built.
package contracts
