// Package mqtt publishes weather sensor values to an MQTT broker using
// Home Assistant MQTT discovery, so every configured location appears
// in HA as a device with one sensor entity per value.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the shared
// availability topic, forgets which discovery configs were sent so they
// are announced again, and subscribes to the refresh command topic. A
// will message moves availability to "offline" on unexpected
// disconnects.
//
// Discovery configs are published lazily: the first time a sensor is
// published for a device, its retained config goes out just before its
// state. Forecast sensors therefore appear as soon as the provider
// returns that many days.
package mqtt
