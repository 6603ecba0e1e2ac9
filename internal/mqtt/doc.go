// Package mqtt makes Alice visible to Home Assistant as an MQTT device.
// Each habit is announced through MQTT discovery as a streak sensor, and
// a few diagnostic sensors report today's dialog activity.
//
// The connection is managed by Eclipse Paho's [autopaho] package. On
// every (re-)connect the publisher re-sends retained discovery configs
// and an "online" birth message; a will message flips availability to
// "offline" if the process disappears. Habit events from the event bus
// push fresh streak values immediately, and a ticker republishes every
// state periodically.
package mqtt
