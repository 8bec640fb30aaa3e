package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nugget/weatherbridge/internal/convert"
	"github.com/nugget/weatherbridge/internal/weather"
)

// Current-conditions sensor names.
const (
	SensorPressure      = "current_barometer_value"
	SensorPressureTrend = "current_barometer_direction"
	SensorFeelsLike     = "current_feels_like"
	SensorHumidity      = "current_humidity"
	SensorLastUpdated   = "current_last_updated"
	SensorStation       = "current_station"
	SensorTemperature   = "current_temperature"
	SensorText          = "current_text"
	SensorCode          = "current_code"
	SensorVisibility    = "current_visibility"
	SensorWindDirection = "current_wind_direction"
	SensorWindSpeed     = "current_wind_speed"
	SensorSunrise       = "current_sunrise"
	SensorSunset        = "current_sunset"
)

// DegradedForecast is listed in [Result.Degraded] when the response has
// no forecast days at all.
const DegradedForecast = "forecast"

// Forecast sensor suffixes; the full name is forecast_<day>_<suffix>.
const (
	ForecastDay           = "day"
	ForecastDate          = "date"
	ForecastHigh          = "temperature_high"
	ForecastLow           = "temperature_low"
	ForecastConditionText = "condition_text"
	ForecastConditionCode = "condition_code"
)

// ForecastSensor returns the sensor name for a forecast field.
func ForecastSensor(day int, suffix string) string {
	return "forecast_" + strconv.Itoa(day) + "_" + suffix
}

// errMissing marks a field absent from the provider document.
var errMissing = errors.New("missing from response")

// Outcome classifies how completely a device was published.
type Outcome int

const (
	// OutcomeFailed means nothing usable was published.
	OutcomeFailed Outcome = iota
	// OutcomeDegraded means some sensors or bundles were left out.
	OutcomeDegraded
	// OutcomePublished means every sensor was published.
	OutcomePublished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeDegraded:
		return "degraded"
	case OutcomePublished:
		return "published"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result reports what happened to one device in one cycle.
type Result struct {
	Device   string
	Outcome  Outcome
	Attempts int
	// Degraded lists the sensors left out because their source field
	// was missing or malformed.
	Degraded []string
	Err      error
}

// field is the result of extracting one sensor value. A non-nil err
// means the sensor is degraded and left out of its bundle.
type field struct {
	sensor string
	path   string
	value  string
	err    error
}

type fields []field

// bundle collects the successful fields and the names of the degraded
// ones.
func (fs fields) bundle() (Bundle, []field) {
	b := make(Bundle, len(fs))
	var degraded []field
	for _, f := range fs {
		if f.err != nil {
			degraded = append(degraded, f)
			continue
		}
		b[f.sensor] = f.value
	}
	return b, degraded
}

func text(sensor, path string, v weather.Value) field {
	if v.Empty() {
		return field{sensor: sensor, path: path, err: errMissing}
	}
	return field{sensor: sensor, path: path, value: v.String()}
}

func celsius(sensor, path string, v weather.Value) field {
	f := text(sensor, path, v)
	if f.err != nil {
		return f
	}
	f.value, f.err = convert.CelsiusString(f.value)
	return f
}

func clock(sensor, path string, v weather.Value) field {
	f := text(sensor, path, v)
	if f.err != nil {
		return f
	}
	f.value, f.err = convert.To24Hour(f.value)
	return f
}

func mapped(f field, conv func(string) string) field {
	if f.err == nil {
		f.value = conv(f.value)
	}
	return f
}

func pressureTrend(v weather.Value) field {
	f := text(SensorPressureTrend, "atmosphere.rising", v)
	if f.err != nil {
		return f
	}
	switch f.value {
	case "0":
		f.value = "steady"
	case "1":
		f.value = "rising"
	case "2":
		f.value = "falling"
	default:
		f.err = fmt.Errorf("unknown pressure trend %q", f.value)
	}
	return f
}

func firstNonEmpty(vs ...weather.Value) weather.Value {
	for _, v := range vs {
		if !v.Empty() {
			return v
		}
	}
	return ""
}

func orZero[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// currentFields extracts the current-conditions sensors from ch.
func currentFields(ch *weather.Channel) fields {
	wind := orZero(ch.Wind)
	atm := orZero(ch.Atmosphere)
	astro := orZero(ch.Astronomy)
	loc := orZero(ch.Location)
	cond := orZero(orZero(ch.Item).Condition)

	return fields{
		text(SensorPressure, "atmosphere.pressure", atm.Pressure),
		pressureTrend(atm.Rising),
		celsius(SensorFeelsLike, "wind.chill", wind.Chill),
		text(SensorHumidity, "atmosphere.humidity", atm.Humidity),
		text(SensorLastUpdated, "lastBuildDate", firstNonEmpty(ch.LastBuildDate, cond.Date)),
		text(SensorStation, "location.city", firstNonEmpty(loc.City, ch.Title)),
		celsius(SensorTemperature, "item.condition.temp", cond.Temp),
		text(SensorText, "item.condition.text", cond.Text),
		text(SensorCode, "item.condition.code", cond.Code),
		mapped(text(SensorVisibility, "atmosphere.visibility", atm.Visibility), convert.Distance),
		text(SensorWindDirection, "wind.direction", wind.Direction),
		mapped(text(SensorWindSpeed, "wind.speed", wind.Speed), convert.Speed),
		clock(SensorSunrise, "astronomy.sunrise", astro.Sunrise),
		clock(SensorSunset, "astronomy.sunset", astro.Sunset),
	}
}

// forecastFields extracts the sensors for forecast day i.
func forecastFields(i int, day weather.Forecast) fields {
	path := func(key string) string { return fmt.Sprintf("item.forecast[%d].%s", i, key) }
	return fields{
		text(ForecastSensor(i, ForecastDay), path("day"), day.Day),
		text(ForecastSensor(i, ForecastDate), path("date"), day.Date),
		celsius(ForecastSensor(i, ForecastHigh), path("high"), day.High),
		celsius(ForecastSensor(i, ForecastLow), path("low"), day.Low),
		text(ForecastSensor(i, ForecastConditionText), path("text"), day.Text),
		text(ForecastSensor(i, ForecastConditionCode), path("code"), day.Code),
	}
}

// ConvertAndPublish normalizes a provider document and publishes one
// bundle of current conditions followed by one bundle per forecast day
// in day order. Missing or malformed fields degrade only the affected
// sensors; a missing forecast degrades the forecast as a whole. Publish
// errors are logged and reported but do not stop later bundles.
func (p *Poller) ConvertAndPublish(ctx context.Context, d Device, resp *weather.Response) Result {
	res := Result{Device: d.ID, Outcome: OutcomeFailed}
	if resp == nil || resp.Query == nil || resp.Query.Results == nil || resp.Query.Results.Channel == nil {
		res.Err = weather.ErrEmptyResult
		return res
	}
	ch := resp.Query.Results.Channel

	bundles := make([]Bundle, 0, 1+len(orZero(ch.Item).Forecast))

	current, degraded := currentFields(ch).bundle()
	bundles = append(bundles, current)
	p.noteDegraded(&res, d, degraded)

	forecast := orZero(ch.Item).Forecast
	if len(forecast) == 0 {
		p.logger.Warn("weather forecast missing from response", "device", d.ID)
		res.Degraded = append(res.Degraded, DegradedForecast)
	}
	for i, day := range forecast {
		b, degraded := forecastFields(i, day).bundle()
		p.noteDegraded(&res, d, degraded)
		bundles = append(bundles, b)
	}

	var errs []error
	var sent int
	for _, b := range bundles {
		if len(b) == 0 {
			continue
		}
		if err := p.host.Publish(ctx, d.ID, b); err != nil {
			p.logger.Error("weather publish failed", "device", d.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	res.Err = errors.Join(errs...)

	switch {
	case sent == 0:
		res.Outcome = OutcomeFailed
		if res.Err == nil {
			res.Err = errors.New("no sensor values to publish")
		}
	case res.Err != nil || len(res.Degraded) > 0:
		res.Outcome = OutcomeDegraded
	default:
		res.Outcome = OutcomePublished
	}

	p.logger.Info("weather published",
		"device", d.ID,
		"bundles", sent,
		"forecast_days", len(forecast),
		"degraded", len(res.Degraded),
		"outcome", res.Outcome.String(),
	)
	return res
}

func (p *Poller) noteDegraded(res *Result, d Device, degraded []field) {
	for _, f := range degraded {
		p.logger.Warn("weather sensor degraded",
			"device", d.ID, "sensor", f.sensor, "field", f.path, "error", f.err)
		res.Degraded = append(res.Degraded, f.sensor)
	}
}
