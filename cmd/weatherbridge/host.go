package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/nugget/weatherbridge/internal/config"
	"github.com/nugget/weatherbridge/internal/mqtt"
	"github.com/nugget/weatherbridge/internal/poller"
)

// busHost implements [poller.Host] on top of the MQTT publisher.
type busHost struct {
	pub *mqtt.Publisher
}

func (h *busHost) Publish(ctx context.Context, deviceID string, values poller.Bundle) error {
	return h.pub.Publish(ctx, deviceID, values)
}

func (h *busHost) Parameter(d poller.Device, key string) (string, bool) {
	return deviceParameter(d, key)
}

// printHost implements [poller.Host] by writing each bundle to w, for
// the fetch subcommand.
type printHost struct {
	mu     sync.Mutex
	w      io.Writer
	format string // "text" or "json"
}

func (h *printHost) Publish(_ context.Context, deviceID string, values poller.Bundle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.format == "json" {
		return json.NewEncoder(h.w).Encode(struct {
			Device string        `json:"device"`
			Values poller.Bundle `json:"values"`
		}{deviceID, values})
	}

	for _, sensor := range slices.Sorted(maps.Keys(values)) {
		if _, err := fmt.Fprintf(h.w, "%s\t%s\t%v\n", deviceID, sensor, values[sensor]); err != nil {
			return err
		}
	}
	return nil
}

func (h *printHost) Parameter(d poller.Device, key string) (string, bool) {
	return deviceParameter(d, key)
}

func deviceParameter(d poller.Device, key string) (string, bool) {
	v, ok := d.Params[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// devicesFromConfig converts configured devices into poller devices.
// A non-empty Address overrides params["address"].
func devicesFromConfig(in []config.DeviceConfig) []poller.Device {
	out := make([]poller.Device, 0, len(in))
	for _, dc := range in {
		params := make(map[string]string, len(dc.Params)+1)
		maps.Copy(params, dc.Params)
		if dc.Address != "" {
			params[poller.ParamAddress] = dc.Address
		}
		out = append(out, poller.Device{ID: dc.ID, Name: dc.Name, Params: params})
	}
	return out
}

func deviceNames(in []config.DeviceConfig) map[string]string {
	names := make(map[string]string, len(in))
	for _, dc := range in {
		names[dc.ID] = dc.Name
	}
	return names
}

func filterDevices(devices []poller.Device, id string) []poller.Device {
	for _, d := range devices {
		if d.ID == id {
			return []poller.Device{d}
		}
	}
	return nil
}
