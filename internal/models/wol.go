package models

import "time"

// WOLConfig holds the Wake-on-LAN settings of a backup target whose
// repository host is woken before the backup starts.
type WOLConfig struct {
	MACAddress    string        `mapstructure:"mac_address" json:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip" json:"broadcast_ip"`
	PollURL       string        `mapstructure:"poll_url" json:"poll_url"`             // polled until the host answers
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`               // max time to wait for the host
	PollInterval  time.Duration `mapstructure:"poll_interval" json:"poll_interval"`   // delay between polls
	StabilizeWait time.Duration `mapstructure:"stabilize_wait" json:"stabilize_wait"` // wait after the host answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
