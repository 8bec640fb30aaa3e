package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/nugget/weatherbridge/internal/weather"
)

func TestConvertAndPublish_Fixture(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), loadResponse(t))
	if res.Outcome != OutcomePublished {
		t.Fatalf("Outcome = %v (degraded %v, err %v), want published", res.Outcome, res.Degraded, res.Err)
	}

	calls := host.snapshot()
	if len(calls) != 4 {
		t.Fatalf("publish calls = %d, want 4 (current + 3 days)", len(calls))
	}

	current := calls[0].values
	want := Bundle{
		SensorPressure:      "1015.0",
		SensorPressureTrend: "steady",
		SensorFeelsLike:     "9",
		SensorHumidity:      "87",
		SensorLastUpdated:   "Thu, 03 Nov 2016 10:34 PM CET",
		SensorStation:       "Paris",
		SensorTemperature:   "10",
		SensorText:          "Mostly Cloudy",
		SensorCode:          "27",
		SensorVisibility:    "16.1",
		SensorWindDirection: "225",
		SensorWindSpeed:     "11.27",
		SensorSunrise:       "7:05",
		SensorSunset:        "17:21",
	}
	if len(current) != len(want) {
		t.Errorf("current bundle has %d sensors, want %d: %v", len(current), len(want), current)
	}
	for k, v := range want {
		if current[k] != v {
			t.Errorf("%s = %v, want %v", k, current[k], v)
		}
	}
}

func TestConvertAndPublish_ForecastOrder(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	p.ConvertAndPublish(context.Background(), device("home", "Paris"), loadResponse(t))
	calls := host.snapshot()[1:]

	wantDays := []string{"Thu", "Fri", "Sat"}
	for i, call := range calls {
		prefix := fmt.Sprintf("forecast_%d_", i)
		for sensor := range call.values {
			if len(sensor) < len(prefix) || sensor[:len(prefix)] != prefix {
				t.Errorf("call %d carries sensor %q, want prefix %q", i, sensor, prefix)
			}
		}
		if got := call.values[ForecastSensor(i, ForecastDay)]; got != wantDays[i] {
			t.Errorf("day %d label = %v, want %s", i, got, wantDays[i])
		}
		if len(call.values) != 6 {
			t.Errorf("day %d bundle has %d sensors, want 6", i, len(call.values))
		}
	}

	day1 := calls[1].values
	if day1["forecast_1_temperature_high"] != "12" || day1["forecast_1_temperature_low"] != "7" {
		t.Errorf("day 1 temperatures = %v/%v, want 12/7",
			day1["forecast_1_temperature_high"], day1["forecast_1_temperature_low"])
	}
	if day1["forecast_1_condition_code"] != "12" || day1["forecast_1_condition_text"] != "Rain" {
		t.Errorf("day 1 condition = %v", day1)
	}
}

func TestConvertAndPublish_MissingSunset(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	resp := currentOnly(t)
	resp.Query.Results.Channel.Astronomy.Sunset = ""

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), resp)

	calls := host.snapshot()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(calls))
	}
	current := calls[0].values
	if _, ok := current[SensorSunset]; ok {
		t.Errorf("%s should be absent, got %v", SensorSunset, current[SensorSunset])
	}
	if len(current) != 13 {
		t.Errorf("current bundle has %d sensors, want 13", len(current))
	}
	if current[SensorSunrise] != "7:05" {
		t.Errorf("%s = %v, want 7:05", SensorSunrise, current[SensorSunrise])
	}
	if !slices.Contains(res.Degraded, SensorSunset) {
		t.Errorf("Degraded = %v, want %s listed", res.Degraded, SensorSunset)
	}
	if res.Outcome != OutcomeDegraded {
		t.Errorf("Outcome = %v, want degraded", res.Outcome)
	}
}

func TestConvertAndPublish_MissingAstronomyBlock(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	resp := loadResponse(t)
	resp.Query.Results.Channel.Astronomy = nil

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), resp)

	if got := len(host.snapshot()); got != 4 {
		t.Errorf("publish calls = %d, want 4", got)
	}
	for _, s := range []string{SensorSunrise, SensorSunset} {
		if !slices.Contains(res.Degraded, s) {
			t.Errorf("Degraded = %v, missing %s", res.Degraded, s)
		}
	}
}

func TestConvertAndPublish_MalformedTimes(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	resp := currentOnly(t)
	resp.Query.Results.Channel.Astronomy.Sunrise = "7:05"   // no suffix
	resp.Query.Results.Channel.Item.Condition.Temp = "warm" // not a number

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), resp)

	current := host.snapshot()[0].values
	for _, s := range []string{SensorSunrise, SensorTemperature} {
		if _, ok := current[s]; ok {
			t.Errorf("%s should be absent", s)
		}
		if !slices.Contains(res.Degraded, s) {
			t.Errorf("Degraded = %v, missing %s", res.Degraded, s)
		}
	}
	if current[SensorSunset] != "17:21" {
		t.Errorf("%s = %v, want 17:21", SensorSunset, current[SensorSunset])
	}
}

func TestConvertAndPublish_MissingForecast(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), currentOnly(t))

	if got := len(host.snapshot()); got != 1 {
		t.Errorf("publish calls = %d, want 1", got)
	}
	if !slices.Equal(res.Degraded, []string{DegradedForecast}) {
		t.Errorf("Degraded = %v, want [%s]", res.Degraded, DegradedForecast)
	}
}

func TestConvertAndPublish_PartialForecastDay(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	resp := loadResponse(t)
	resp.Query.Results.Channel.Item.Forecast[2].High = ""

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), resp)

	calls := host.snapshot()
	if len(calls) != 4 {
		t.Fatalf("publish calls = %d, want 4", len(calls))
	}
	if _, ok := calls[3].values["forecast_2_temperature_high"]; ok {
		t.Error("forecast_2_temperature_high should be absent")
	}
	if !slices.Equal(res.Degraded, []string{"forecast_2_temperature_high"}) {
		t.Errorf("Degraded = %v", res.Degraded)
	}
}

func TestConvertAndPublish_PublishError(t *testing.T) {
	host := newFakeHost()
	host.publishErr = errors.New("broker offline")
	p := New(testConfig(), host, nil, discardLogger())

	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), loadResponse(t))

	if got := len(host.snapshot()); got != 4 {
		t.Errorf("publish calls = %d, want 4 (errors must not stop later bundles)", got)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, host.publishErr) {
		t.Errorf("Err = %v, want broker offline", res.Err)
	}
}

func TestConvertAndPublish_EmptyChannel(t *testing.T) {
	host := newFakeHost()
	p := New(testConfig(), host, nil, discardLogger())

	resp := &weather.Response{Query: &weather.Query{Results: &weather.Results{Channel: &weather.Channel{}}}}
	res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), resp)

	if res.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if got := len(host.snapshot()); got != 0 {
		t.Errorf("publish calls = %d, want 0", got)
	}

	if res := p.ConvertAndPublish(context.Background(), device("home", "Paris"), nil); !errors.Is(res.Err, weather.ErrEmptyResult) {
		t.Errorf("nil response Err = %v, want ErrEmptyResult", res.Err)
	}
}

func TestPressureTrend(t *testing.T) {
	tests := map[weather.Value]string{"0": "steady", "1": "rising", "2": "falling"}
	for in, want := range tests {
		if f := pressureTrend(in); f.err != nil || f.value != want {
			t.Errorf("pressureTrend(%q) = %q, %v; want %q", in, f.value, f.err, want)
		}
	}
	if f := pressureTrend("7"); f.err == nil {
		t.Error("pressureTrend(7) should fail")
	}
}

func TestForecastSensor(t *testing.T) {
	if got := ForecastSensor(3, ForecastHigh); got != "forecast_3_temperature_high" {
		t.Errorf("ForecastSensor = %q", got)
	}
}
