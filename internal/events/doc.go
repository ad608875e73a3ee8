// Package events carries lifecycle notifications from the server controller
// to anyone listening.
//
// The Notifier interface is what the controller depends on; Broadcaster is
// the in-process implementation used by the gateway. Delivery is best effort:
// a subscriber that falls behind by more than its buffer loses events rather
// than slowing down the publisher.
package events
