package northtracker

import "context"

// DefaultLowBatteryThreshold is the vendor default alert voltage.
const DefaultLowBatteryThreshold = 12.1

// baselineFeatureSettings is the full settings object the update endpoint
// expects. Every field is sent on every call; the vendor does not patch.
func baselineFeatureSettings() map[string]any {
	return map[string]any{
		"LowBatteryAlert": map[string]any{
			"Enabled":   false,
			"Threshold": DefaultLowBatteryThreshold,
		},
		"PowerCutAlert": map[string]any{
			"Enabled": false,
		},
		"MovementAlert": map[string]any{
			"Enabled": false,
		},
		"SpeedAlert": map[string]any{
			"Enabled": false,
			"Limit":   0,
		},
	}
}

// FeatureSettings returns the baseline with overrides merged on top. Nested
// objects merge key by key; any other override value replaces the baseline.
func FeatureSettings(overrides map[string]any) map[string]any {
	return mergeSettings(baselineFeatureSettings(), overrides)
}

func mergeSettings(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range overrides {
		nested, isMap := value.(map[string]any)
		current, baseIsMap := out[key].(map[string]any)
		if isMap && baseIsMap {
			out[key] = mergeSettings(current, nested)
			continue
		}
		out[key] = value
	}
	return out
}

// UpdateFeatures sends the complete settings object for one unit.
func (c *Client) UpdateFeatures(ctx context.Context, imei string, overrides map[string]any) (Response, error) {
	return c.post(ctx, "user/terminal/update-unit-features", map[string]any{
		"Imei":     imei,
		"Settings": FeatureSettings(overrides),
	})
}

// SetLowBatteryAlert enables or disables the low-battery alert at threshold volts.
func (c *Client) SetLowBatteryAlert(ctx context.Context, imei string, enabled bool, threshold float64) (Response, error) {
	c.logger.Debug("updating low battery alert", "imei", imei, "enabled", enabled, "threshold", threshold)
	return c.UpdateFeatures(ctx, imei, map[string]any{
		"LowBatteryAlert": map[string]any{
			"Enabled":   enabled,
			"Threshold": threshold,
		},
	})
}
