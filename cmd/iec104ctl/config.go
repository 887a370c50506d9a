package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arloliu/go-iec104/cs104"
	"github.com/arloliu/go-iec104/locking"
)

type fileConfig struct {
	Address         string `toml:"address"`
	CommonAddr      uint16 `toml:"common_addr"`
	T0              string `toml:"t0"`
	T1              string `toml:"t1"`
	T2              string `toml:"t2"`
	T3              string `toml:"t3"`
	AckWatermark    int    `toml:"ack_watermark"`
	ChannelCapacity int    `toml:"channel_capacity"`
	AutoReconnect   bool   `toml:"auto_reconnect"`
	LockPolicy      string `toml:"lock_policy"`
	Listen          string `toml:"listen"`
	PingKind        string `toml:"ping_kind"`
	PingInterval    string `toml:"ping_interval"`
}

// ctlConfig is the resolved configuration of iec104ctl.
type ctlConfig struct {
	Address         string
	CommonAddr      uint16
	Timeouts        cs104.Timeouts
	AckWatermark    int
	ChannelCapacity int
	AutoReconnect   bool
	LockPolicy      string
	Listen          string
	PingKind        cs104.PingKind
	PingInterval    time.Duration
}

func defaultCtlConfig() ctlConfig {
	return ctlConfig{
		Address:         "127.0.0.1:2404",
		CommonAddr:      1,
		Timeouts:        cs104.DefaultTimeouts(),
		AckWatermark:    8,
		ChannelCapacity: 100,
		AutoReconnect:   true,
		LockPolicy:      locking.Standard.Name(),
		Listen:          ":9104",
		PingKind:        cs104.PingTest,
		PingInterval:    10 * time.Second,
	}
}

// loadCtlConfig returns the defaults overridden by the keys present in the TOML file at path.
// An empty path returns the defaults.
func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ctlConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}

	if meta.IsDefined("common_addr") {
		cfg.CommonAddr = raw.CommonAddr
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"t0", raw.T0, &cfg.Timeouts.Connect},
		{"t1", raw.T1, &cfg.Timeouts.AckWait},
		{"t2", raw.T2, &cfg.Timeouts.AckDelay},
		{"t3", raw.T3, &cfg.Timeouts.Idle},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}

		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return ctlConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("ack_watermark") {
		cfg.AckWatermark = raw.AckWatermark
	}

	if meta.IsDefined("channel_capacity") {
		cfg.ChannelCapacity = raw.ChannelCapacity
	}

	if meta.IsDefined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}

	if meta.IsDefined("lock_policy") {
		cfg.LockPolicy = strings.TrimSpace(raw.LockPolicy)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("ping_kind") {
		kind, err := parsePingKind(raw.PingKind)
		if err != nil {
			return ctlConfig{}, err
		}
		cfg.PingKind = kind
	}

	return cfg, nil
}

func parsePingKind(name string) (cs104.PingKind, error) {
	for _, kind := range []cs104.PingKind{cs104.PingTest, cs104.PingAck, cs104.PingConnect, cs104.PingIdle} {
		if strings.EqualFold(strings.TrimSpace(name), kind.String()) {
			return kind, nil
		}
	}

	return 0, fmt.Errorf("unknown ping kind %q", name)
}

// connOptions converts the configuration into client options.
func (cfg ctlConfig) connOptions() ([]cs104.ConnOption, error) {
	policy, err := locking.ByName(cfg.LockPolicy)
	if err != nil {
		return nil, err
	}

	return []cs104.ConnOption{
		cs104.WithTimeouts(cfg.Timeouts),
		cs104.WithAckWatermark(cfg.AckWatermark),
		cs104.WithChannelCapacity(cfg.ChannelCapacity),
		cs104.WithAutoReconnect(cfg.AutoReconnect),
		cs104.WithLockPolicy(policy),
	}, nil
}
