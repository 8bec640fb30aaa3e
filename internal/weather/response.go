package weather

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Response is the top-level provider document. Exactly one of Query and
// Error is normally present.
type Response struct {
	Query *Query    `json:"query"`
	Error *APIError `json:"error"`
}

// APIError is the application-level error payload.
type APIError struct {
	Lang        string `json:"lang"`
	Description string `json:"description"`
}

// Query wraps the result set of a provider query.
type Query struct {
	Count   Value    `json:"count"`
	Created Value    `json:"created"`
	Results *Results `json:"results"`
}

// Results holds the single channel returned for a location query.
type Results struct {
	Channel *Channel `json:"channel"`
}

// Channel carries everything known about one location.
type Channel struct {
	Title         Value       `json:"title"`
	LastBuildDate Value       `json:"lastBuildDate"`
	Units         *Units      `json:"units"`
	Location      *Location   `json:"location"`
	Wind          *Wind       `json:"wind"`
	Atmosphere    *Atmosphere `json:"atmosphere"`
	Astronomy     *Astronomy  `json:"astronomy"`
	Item          *Item       `json:"item"`
}

// Units are the labels the provider attaches to the values. They are
// informational only; see the convert package for how values are
// interpreted.
type Units struct {
	Distance    Value `json:"distance"`
	Pressure    Value `json:"pressure"`
	Speed       Value `json:"speed"`
	Temperature Value `json:"temperature"`
}

type Location struct {
	City    Value `json:"city"`
	Region  Value `json:"region"`
	Country Value `json:"country"`
}

type Wind struct {
	Chill     Value `json:"chill"`
	Direction Value `json:"direction"`
	Speed     Value `json:"speed"`
}

type Atmosphere struct {
	Humidity   Value `json:"humidity"`
	Pressure   Value `json:"pressure"`
	Rising     Value `json:"rising"` // 0 steady, 1 rising, 2 falling
	Visibility Value `json:"visibility"`
}

// Astronomy times are 12-hour clock strings such as "7:2 am".
type Astronomy struct {
	Sunrise Value `json:"sunrise"`
	Sunset  Value `json:"sunset"`
}

type Item struct {
	Title     Value      `json:"title"`
	Condition *Condition `json:"condition"`
	Forecast  Forecasts  `json:"forecast"`
}

type Condition struct {
	Code Value `json:"code"`
	Date Value `json:"date"`
	Temp Value `json:"temp"`
	Text Value `json:"text"`
}

// Forecast is one day of the multi-day forecast, soonest first.
type Forecast struct {
	Code Value `json:"code"`
	Date Value `json:"date"`
	Day  Value `json:"day"`
	High Value `json:"high"`
	Low  Value `json:"low"`
	Text Value `json:"text"`
}

// Value is a scalar field that the provider sends either as a JSON
// string or as a bare number. Numbers keep their literal text; null and
// any other JSON kind decode to the empty string, so one malformed field
// reads as missing instead of failing the document.
type Value string

// UnmarshalJSON implements [json.Unmarshaler].
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*v = ""
	if len(data) == 0 {
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Value(n.String())
	}
	return nil
}

// String returns the value with surrounding whitespace removed.
func (v Value) String() string {
	return strings.TrimSpace(string(v))
}

// Empty reports whether the value is missing or blank.
func (v Value) Empty() bool {
	return v.String() == ""
}

// Forecasts is the forecast list. Anything other than a JSON array
// decodes as no forecast.
type Forecasts []Forecast

// UnmarshalJSON implements [json.Unmarshaler].
func (f *Forecasts) UnmarshalJSON(data []byte) error {
	*f = nil
	if !isKind(data, '[') {
		return nil
	}
	return json.Unmarshal(data, (*[]Forecast)(f))
}

// The channel blocks decode leniently: a block that is not a JSON object
// is left zero, and its fields then read as missing.

func (u *Units) UnmarshalJSON(data []byte) error {
	type plain Units
	return decodeBlock(data, (*plain)(u))
}

func (l *Location) UnmarshalJSON(data []byte) error {
	type plain Location
	return decodeBlock(data, (*plain)(l))
}

func (w *Wind) UnmarshalJSON(data []byte) error {
	type plain Wind
	return decodeBlock(data, (*plain)(w))
}

func (a *Atmosphere) UnmarshalJSON(data []byte) error {
	type plain Atmosphere
	return decodeBlock(data, (*plain)(a))
}

func (a *Astronomy) UnmarshalJSON(data []byte) error {
	type plain Astronomy
	return decodeBlock(data, (*plain)(a))
}

func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	return decodeBlock(data, (*plain)(i))
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	return decodeBlock(data, (*plain)(c))
}

func (f *Forecast) UnmarshalJSON(data []byte) error {
	type plain Forecast
	return decodeBlock(data, (*plain)(f))
}

func decodeBlock(data []byte, dst any) error {
	if !isKind(data, '{') {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// isKind reports whether the JSON text starts with the delimiter open.
func isKind(data []byte, open byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == open
}
