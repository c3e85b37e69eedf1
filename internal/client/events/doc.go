// Package events delivers repository events to local callbacks.
//
// A Service owns the remote side: the event subscription, the access
// token of the notification channel and single long-poll receives. A
// Notifier keeps a registry of callbacks, subscribes for the union of their
// event types and runs one polling goroutine while at least one callback
// is registered. Events may be delivered more than once.
package events
