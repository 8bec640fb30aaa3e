package mqtt

import (
	"strings"
	"unicode"
)

// sensorMeta is the HA presentation for one sensor name.
type sensorMeta struct {
	unit           string
	deviceClass    string
	stateClass     string
	icon           string
	entityCategory string
}

// metaFor derives presentation from the sensor name. Current values
// get a measurement state class so HA records long-term statistics;
// forecast values do not.
func metaFor(sensor string) sensorMeta {
	var m sensorMeta
	base := sensorBase(sensor)

	switch {
	case strings.HasPrefix(base, "temperature"), base == "feels_like":
		m.unit, m.deviceClass = "°C", "temperature"
	case base == "humidity":
		m.unit, m.deviceClass = "%", "humidity"
	case base == "barometer_value":
		m.unit, m.deviceClass = "mbar", "atmospheric_pressure"
	case base == "wind_speed":
		m.unit, m.deviceClass = "km/h", "wind_speed"
	case base == "visibility":
		m.unit, m.deviceClass = "km", "distance"
	case base == "wind_direction":
		m.unit, m.icon = "°", "mdi:compass-outline"
	case base == "barometer_direction":
		m.icon = "mdi:trending-up"
	case base == "sunrise":
		m.icon = "mdi:weather-sunset-up"
	case base == "sunset":
		m.icon = "mdi:weather-sunset-down"
	case base == "text", base == "code", strings.HasPrefix(base, "condition"):
		m.icon = "mdi:weather-partly-cloudy"
	case base == "day", base == "date":
		m.icon = "mdi:calendar"
	case base == "last_updated":
		m.icon, m.entityCategory = "mdi:clock-outline", "diagnostic"
	case base == "station":
		m.icon, m.entityCategory = "mdi:map-marker", "diagnostic"
	}

	if m.deviceClass != "" && strings.HasPrefix(sensor, "current_") {
		m.stateClass = "measurement"
	}
	return m
}

// sensorBase strips the current_ or forecast_<n>_ prefix.
func sensorBase(sensor string) string {
	if rest, ok := strings.CutPrefix(sensor, "current_"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(sensor, "forecast_"); ok {
		if _, after, ok := strings.Cut(rest, "_"); ok {
			return after
		}
	}
	return sensor
}

// displayName turns a sensor name into the short HA entity name, e.g.
// "current_wind_speed" → "Wind Speed" and "forecast_1_temperature_high"
// → "Day 1 Temperature High".
func displayName(sensor string) string {
	var prefix string
	if rest, ok := strings.CutPrefix(sensor, "forecast_"); ok {
		if day, _, ok := strings.Cut(rest, "_"); ok {
			prefix = "Day " + day + " "
		}
	}

	words := strings.Split(sensorBase(sensor), "_")
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return prefix + strings.Join(words, " ")
}
