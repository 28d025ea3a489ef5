// Package config holds the daemon settings, read from a TOML file over
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/speters/mmced/pkg/mmce"
	"github.com/speters/mmced/pkg/sio2"
)

// Duration is a time.Duration written as "200ms" in the file
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Timeouts struct {
	Ping    Duration `toml:"ping"`
	Command Duration `toml:"command"`
	Bulk    Duration `toml:"bulk"`
}

// Config is the content of mmced.toml
type Config struct {
	// Link is emu://<dir>, socket://host:port, tcp://host:port or a serial device
	Link          string   `toml:"link"`
	Listen        string   `toml:"listen"`
	Units         []int    `toml:"units"`
	AckWaitCycles int      `toml:"ack_wait_cycles"`
	UseAlarms     bool     `toml:"use_alarms"`
	Timeouts      Timeouts `toml:"timeouts"`
}

// Default returns the settings used when no file is given
func Default() *Config {
	t := sio2.DefaultTimeouts()
	return &Config{
		Link:          "emu://.",
		Listen:        ":8000",
		Units:         []int{0, 1},
		AckWaitCycles: sio2.DefaultAckWaitCycles,
		UseAlarms:     true,
		Timeouts: Timeouts{
			Ping:    Duration{t.Ping},
			Command: Duration{t.Command},
			Bulk:    Duration{t.Bulk},
		},
	}
}

// Load reads file over the defaults. An empty name returns the defaults.
func Load(file string) (*Config, error) {
	c := Default()
	if file == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(file, c)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", file, err)
	}
	for _, k := range md.Undecoded() {
		log.Warnf("Unknown config key %q in %s", k.String(), file)
	}
	return c, c.Validate()
}

// Parse decodes a config document over the defaults
func Parse(doc string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(doc, c); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// Validate checks the settings for values the driver would reject
func (c *Config) Validate() error {
	var errs []error
	if c.Link == "" {
		errs = append(errs, errors.New("link must not be empty"))
	} else if _, err := url.Parse(c.Link); err != nil {
		errs = append(errs, fmt.Errorf("link: %w", err))
	}
	if c.AckWaitCycles < 0 || c.AckWaitCycles > sio2.MaxAckWaitCycles {
		errs = append(errs, fmt.Errorf("ack_wait_cycles must be 0..%d, got %d", sio2.MaxAckWaitCycles, c.AckWaitCycles))
	}
	for name, d := range map[string]Duration{"ping": c.Timeouts.Ping, "command": c.Timeouts.Command, "bulk": c.Timeouts.Bulk} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", name))
		}
	}
	for _, u := range c.Units {
		if u < 0 || u >= mmce.NumUnits {
			errs = append(errs, fmt.Errorf("unit %d out of range", u))
		}
	}
	return errors.Join(errs...)
}

// Options returns the driver options for this config
func (c *Config) Options() mmce.Options {
	o := mmce.DefaultOptions()
	o.AckWaitCycles = c.AckWaitCycles
	o.UseAlarm = c.UseAlarms
	o.Timeouts = sio2.Timeouts{
		Ping:    c.Timeouts.Ping.Duration,
		Command: c.Timeouts.Command.Duration,
		Bulk:    c.Timeouts.Bulk.Duration,
	}
	return o
}

// HasUnit reports whether unit is enabled
func (c *Config) HasUnit(unit int) bool {
	for _, u := range c.Units {
		if u == unit {
			return true
		}
	}
	return false
}
