package config

import (
	"fmt"
	"time"
)

// Durations holds the parsed form of the config's duration-string fields.
// Config keeps them as strings (so env.Parse needs no custom decoder);
// Load callers that need time.Duration call ParseDurations once at startup.
type Durations struct {
	NodeHeartbeatTimeout         time.Duration
	NodeSweepInterval            time.Duration
	CommandTimeout               time.Duration
	MeterFlushInterval           time.Duration
	AggregatorWindow             time.Duration
	AggregatorInterval           time.Duration
	AutoTopupScheduleInterval    time.Duration
	NotificationDispatchInterval time.Duration
	RecoveryRetryInterval        time.Duration
	RecoveryTimeCap              time.Duration
}

// ParseDurations parses every duration-string field on c.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"NODE_HEARTBEAT_TIMEOUT", c.NodeHeartbeatTimeout, &d.NodeHeartbeatTimeout},
		{"NODE_SWEEP_INTERVAL", c.NodeSweepInterval, &d.NodeSweepInterval},
		{"COMMAND_TIMEOUT", c.CommandTimeout, &d.CommandTimeout},
		{"METER_FLUSH_INTERVAL", c.MeterFlushInterval, &d.MeterFlushInterval},
		{"AGGREGATOR_WINDOW", c.AggregatorWindow, &d.AggregatorWindow},
		{"AGGREGATOR_INTERVAL", c.AggregatorInterval, &d.AggregatorInterval},
		{"AUTOTOPUP_SCHEDULE_INTERVAL", c.AutoTopupScheduleInterval, &d.AutoTopupScheduleInterval},
		{"NOTIFICATION_DISPATCH_INTERVAL", c.NotificationDispatchInterval, &d.NotificationDispatchInterval},
		{"RECOVERY_RETRY_INTERVAL", c.RecoveryRetryInterval, &d.RecoveryRetryInterval},
		{"RECOVERY_TIME_CAP", c.RecoveryTimeCap, &d.RecoveryTimeCap},
	}

	for _, f := range fields {
		v, err := time.ParseDuration(f.src)
		if err != nil {
			return d, fmt.Errorf("parsing %s=%q: %w", f.name, f.src, err)
		}
		*f.dst = v
	}
	return d, nil
}
