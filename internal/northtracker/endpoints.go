package northtracker

import (
	"context"
)

// ListUnits fetches the base record of every unit on the account (data.units).
func (c *Client) ListUnits(ctx context.Context) (Response, error) {
	resp, err := c.get(ctx, "user/terminal/get-all-units-details")
	if err != nil {
		return Response{}, err
	}
	if resp.Success {
		c.logger.Debug("fetched unit list", "units", len(resp.List("units")))
	} else {
		c.logger.Warn("unit list request was not successful")
	}
	return resp, nil
}

// RealtimeTracking fetches the latest GPS record of every unit (data.gps).
func (c *Client) RealtimeTracking(ctx context.Context) (Response, error) {
	resp, err := c.get(ctx, "user/realtimetracking/get?lang=en")
	if err != nil {
		return Response{}, err
	}
	if resp.Success {
		c.logger.Debug("fetched realtime tracking", "records", len(resp.List("gps")))
	} else {
		c.logger.Warn("realtime tracking request was not successful")
	}
	return resp, nil
}

// UnitDetails fetches terminal settings for one unit.
func (c *Client) UnitDetails(ctx context.Context, id UnitID, deviceType string) (Response, error) {
	return c.post(ctx, "user/terminal/edit-terminal", map[string]any{
		"device_id":   id,
		"device_type": deviceType,
	})
}

// LockStatus fetches the lock/alarm state of one unit.
func (c *Client) LockStatus(ctx context.Context, id UnitID) (Response, error) {
	return c.post(ctx, "user/terminal/access/lockstatus", map[string]any{"terminal_id": id})
}

// UnitFeatures fetches the feature flags of one unit by IMEI.
func (c *Client) UnitFeatures(ctx context.Context, imei string) (Response, error) {
	return c.post(ctx, "user/terminal/get-unit-features", map[string]any{"Imei": imei})
}

// SetOutput switches digital output n on or off.
func (c *Client) SetOutput(ctx context.Context, id UnitID, output int, on bool) (Response, error) {
	value := 0
	if on {
		value = 1
	}
	c.logger.Debug("sending output command", "unit", id, "output", output, "on", on)
	resp, err := c.post(ctx, "user/terminal/relaysetting/sendmsg", map[string]any{
		"terminal_id": id,
		"doutnumber":  output,
		"doutvalue":   value,
	})
	if err != nil {
		return Response{}, err
	}
	if !resp.Success {
		c.logger.Warn("output command rejected", "unit", id, "output", output, "on", on)
	}
	return resp, nil
}

// ToggleInputAlert flips the alert setting of digital input n. The vendor
// endpoint has no explicit on/off value.
func (c *Client) ToggleInputAlert(ctx context.Context, id UnitID, input int) (Response, error) {
	c.logger.Debug("sending input alert toggle", "unit", id, "input", input)
	return c.post(ctx, "user/terminal/dinsetting/sendmsgg", map[string]any{
		"terminal_id": id,
		"dinnumber":   input,
	})
}
