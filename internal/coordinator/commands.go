package coordinator

import (
	"context"
	"fmt"

	"github.com/micro-ha/northtracker/addon/internal/device"
	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

// Accepted low-battery alert thresholds in volts.
const (
	MinLowBatteryThreshold = 10.0
	MaxLowBatteryThreshold = 15.0
)

// LowBatteryUpdate changes the alert; nil fields keep the current value.
type LowBatteryUpdate struct {
	Enabled   *bool    `json:"enabled"`
	Threshold *float64 `json:"threshold"`
}

func (c *Coordinator) unit(key string) (*device.Device, error) {
	e, err := c.Lookup(key)
	if err != nil {
		return nil, err
	}
	d, ok := e.(*device.Device)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s", ErrUnsupported, key, e.Kind())
	}
	return d, nil
}

func accepted(resp northtracker.Response, what string) error {
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrCommandRejected, what)
	}
	return nil
}

// SetOutput switches digital output n. Call Refresh afterwards to read the
// state the vendor settled on.
func (c *Coordinator) SetOutput(ctx context.Context, key string, n int, on bool) error {
	d, err := c.unit(key)
	if err != nil {
		return err
	}
	if !d.HasOutput(n) {
		return fmt.Errorf("%w: %s has no output %d", ErrUnsupported, key, n)
	}
	c.logger.Info("setting output", "device", key, "output", n, "on", on)
	resp, err := c.client.SetOutput(ctx, d.ID(), n, on)
	if err != nil {
		return err
	}
	return accepted(resp, fmt.Sprintf("output %d on %s", n, key))
}

// SetInputAlert enables or disables the alert on digital input n. The vendor
// only toggles, so nothing is sent when the input is already in that state.
func (c *Coordinator) SetInputAlert(ctx context.Context, key string, n int, enabled bool) error {
	d, err := c.unit(key)
	if err != nil {
		return err
	}
	if !d.HasInput(n) {
		return fmt.Errorf("%w: %s has no input %d", ErrUnsupported, key, n)
	}
	if d.InputStatus(n) == enabled {
		c.logger.Debug("input alert already in requested state", "device", key, "input", n, "enabled", enabled)
		return nil
	}
	c.logger.Info("toggling input alert", "device", key, "input", n, "enabled", enabled)
	resp, err := c.client.ToggleInputAlert(ctx, d.ID(), n)
	if err != nil {
		return err
	}
	return accepted(resp, fmt.Sprintf("input %d on %s", n, key))
}

// SetLowBatteryAlert updates the low-battery alert, filling unset fields
// from the current features snapshot.
func (c *Coordinator) SetLowBatteryAlert(ctx context.Context, key string, update LowBatteryUpdate) error {
	if update.Enabled == nil && update.Threshold == nil {
		return fmt.Errorf("%w: nothing to update", ErrInvalidArgument)
	}
	d, err := c.unit(key)
	if err != nil {
		return err
	}
	imei := d.IMEI()
	if imei == "" {
		return fmt.Errorf("%w: %s has no IMEI", ErrUnsupported, key)
	}

	enabled, _ := d.LowBatteryAlertEnabled()
	if update.Enabled != nil {
		enabled = *update.Enabled
	}
	threshold, ok := d.LowBatteryThreshold()
	if !ok || threshold == 0 {
		threshold = northtracker.DefaultLowBatteryThreshold
	}
	if update.Threshold != nil {
		threshold = *update.Threshold
		if threshold < MinLowBatteryThreshold || threshold > MaxLowBatteryThreshold {
			return fmt.Errorf("%w: threshold %.1f outside [%.1f, %.1f]",
				ErrInvalidArgument, threshold, MinLowBatteryThreshold, MaxLowBatteryThreshold)
		}
	}

	c.logger.Info("setting low battery alert", "device", key, "enabled", enabled, "threshold", threshold)
	resp, err := c.client.SetLowBatteryAlert(ctx, imei, enabled, threshold)
	if err != nil {
		return err
	}
	return accepted(resp, "low battery alert on "+key)
}
