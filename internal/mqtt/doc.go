// Package mqtt subscribes to an MQTT topic carrying inbound events and
// hands each one to the event dispatcher. Outcomes are published back
// on a sibling topic so the sender can observe what happened.
//
// The subscriber uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it re-subscribes and publishes a retained "online"
// availability message. A will message flips availability to
// "offline" on unexpected disconnects.
package mqtt
