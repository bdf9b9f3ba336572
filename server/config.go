// server/config.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/atcflow/datalink/acars"
	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

// Config is the on-disk server configuration.
type Config struct {
	Port     int `json:"port"`
	HTTPPort int `json:"http_port"`

	Clients []acars.Config `json:"clients"`

	MaxConnectAttempts    int `json:"max_connect_attempts"`
	ConnectBackoffSeconds int `json:"connect_backoff_seconds"`

	MessageLatenessSeconds   int `json:"message_lateness_seconds"`
	AircraftStalenessSeconds int `json:"aircraft_staleness_seconds"`
	ArchiveDelaySeconds      int `json:"archive_delay_seconds"`
	SweepIntervalSeconds     int `json:"sweep_interval_seconds"`

	ArchivePath string `json:"archive_path"`
}

func DefaultConfig() Config {
	return Config{
		Port:                     DefaultServerPort,
		HTTPPort:                 DefaultHTTPServerPort,
		MaxConnectAttempts:       5,
		ConnectBackoffSeconds:    2,
		MessageLatenessSeconds:   90,
		AircraftStalenessSeconds: 600,
		ArchiveDelaySeconds:      300,
		SweepIntervalSeconds:     5,
	}
}

// LoadConfig reads and validates the configuration file, filling in
// defaults for unset knobs.
func LoadConfig(path string, e *util.ErrorLogger) Config {
	defer e.CheckDepth(e.CurrentDepth())

	config := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		e.Error(err)
		return config
	}
	if err := json.Unmarshal(b, &config); err != nil {
		e.Error(err)
		return config
	}

	if len(config.Clients) == 0 {
		e.ErrorString("no ACARS clients configured")
	}
	seen := make(map[string]interface{})
	for _, c := range config.Clients {
		e.Push("Client " + c.ClientID)
		if c.ClientID == "" {
			e.ErrorString("client_id must be specified")
		}
		if _, ok := seen[c.ClientID]; ok {
			e.ErrorString("duplicate client_id")
		}
		seen[c.ClientID] = nil
		if c.EndpointURL == "" {
			e.ErrorString("endpoint_url must be specified")
		}
		e.Pop()
	}

	for _, v := range []struct {
		name  string
		value int
	}{
		{"max_connect_attempts", config.MaxConnectAttempts},
		{"connect_backoff_seconds", config.ConnectBackoffSeconds},
		{"message_lateness_seconds", config.MessageLatenessSeconds},
		{"aircraft_staleness_seconds", config.AircraftStalenessSeconds},
		{"archive_delay_seconds", config.ArchiveDelaySeconds},
		{"sweep_interval_seconds", config.SweepIntervalSeconds},
	} {
		if v.value <= 0 {
			e.ErrorString(fmt.Sprintf("%s must be positive", v.name))
		}
	}

	return config
}

func (c Config) MonitorConfig() cpdlc.MonitorConfig {
	return cpdlc.MonitorConfig{
		MessageLateness:   time.Duration(c.MessageLatenessSeconds) * time.Second,
		AircraftStaleness: time.Duration(c.AircraftStalenessSeconds) * time.Second,
		ArchiveDelay:      time.Duration(c.ArchiveDelaySeconds) * time.Second,
		SweepInterval:     time.Duration(c.SweepIntervalSeconds) * time.Second,
	}
}

func (c Config) ManagerConfig() acars.ManagerConfig {
	return acars.ManagerConfig{
		MaxConnectAttempts: c.MaxConnectAttempts,
		ConnectBackoffBase: time.Duration(c.ConnectBackoffSeconds) * time.Second,
	}
}
