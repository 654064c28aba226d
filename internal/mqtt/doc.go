// Package mqtt owns the device's single secured broker connection.
//
// A [Manager] dials the broker over TLS (or TLS WebSockets), runs an
// MQTT 5 session through Eclipse Paho v2's low-level [paho] client or
// an MQTT 3.1.1 session through the classic Paho client, and is the
// only component that touches the wire. The telemetry publisher, the
// shadow synchronizer and the health reporter all share it.
//
// Reconnection is owned here rather than delegated to the client
// library: on unexpected session loss a supervisor goroutine retries
// with jittered exponential backoff from [connwatch.Backoff], restores
// every remembered subscription, and then drains the offline queue in
// FIFO order at a configured rate. Publishes attempted while the
// session is down, or while the queue still holds older messages, go
// to the back of the queue so ordering is preserved across outages.
//
// Inbound messages are handed from the client's reader goroutine to a
// dedicated dispatcher through a bounded buffer. The reader waits at
// most the configured dispatch timeout and then drops the message, so
// slow application handlers cannot starve keep-alive processing.
package mqtt
