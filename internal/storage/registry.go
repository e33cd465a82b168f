package storage

import (
	"context"

	"github.com/micro-ha/northtracker/addon/internal/coordinator"
	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/model"
)

// RecordDevices upserts one known-device row per entry of devices.
func (r *Repository) RecordDevices(ctx context.Context, devices device.Map) error {
	rows := make([]model.KnownDevice, 0, len(devices))
	for _, key := range devices.Keys() {
		e := devices[key]
		row := model.KnownDevice{
			Key:       key,
			ParentKey: e.ParentKey(),
			Kind:      e.Kind(),
			Name:      e.DisplayName(),
		}
		if d, ok := e.(*device.Device); ok {
			row.IMEI = d.IMEI()
		}
		rows = append(rows, row)
	}
	return r.UpsertKnownDevices(ctx, rows)
}

// OnRefresh records the devices of a completed cycle.
func (r *Repository) OnRefresh(ctx context.Context, res coordinator.Result) {
	if err := r.RecordDevices(ctx, res.Devices); err != nil {
		r.logger.Warn("failed to record known devices", "cycle", res.Cycle, "err", err)
	}
}
