// Package mqtt makes the orchestrator a native Home Assistant device
// over MQTT discovery. It publishes the response display sensor (state
// plus full-text attributes), a pipeline status sensor and daily token
// counters, and it listens on an optional command topic so automations
// can send commands without the HTTP API.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher sends retained discovery configs, a
// birth message to the availability topic and re-subscribes to the
// command topic. A will message marks the device offline on unexpected
// disconnects.
package mqtt
