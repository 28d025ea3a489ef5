package main

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/speters/mmced/pkg/config"
	"github.com/speters/mmced/pkg/emu"
	"github.com/speters/mmced/pkg/iop"
	"github.com/speters/mmced/pkg/link"
	"github.com/speters/mmced/pkg/metrics"
	"github.com/speters/mmced/pkg/mmce"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// hostVersion is the sio2man version the emulated host reports
var hostVersion = iop.Version(2, 3)

// stack is an opened driver together with everything it runs on
type stack struct {
	cfg     *config.Config
	env     *iop.Env
	hw      *emu.Hardware
	host    *emu.Host
	bridge  *link.Device
	metrics *metrics.Collector
	drv     *mmce.Driver
}

// emuDir extracts the directory of an emu:// link
func emuDir(u *url.URL) string {
	dir := u.Host + u.Path
	if dir == "" {
		return "."
	}
	return filepath.Clean(dir)
}

// responder returns what answers exchanges on the card ports for cfg.Link
func responder(cfg *config.Config) (emu.Responder, *link.Device, error) {
	u, err := url.Parse(cfg.Link)
	if err != nil {
		return nil, nil, err
	}
	if u.Scheme == "emu" {
		dir := emuDir(u)
		log.Infof("Serving %s on an emulated card", dir)
		return emu.NewCard(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil, nil
	}

	dev := link.NewDevice()
	if err := dev.Connect(cfg.Link); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Link, err)
	}
	return dev, dev, nil
}

func openStack(cfg *config.Config, probe bool) (*stack, error) {
	r, bridge, err := responder(cfg)
	if err != nil {
		return nil, err
	}
	s, err := newStack(cfg, r, probe)
	if err != nil {
		if bridge != nil {
			bridge.Close()
		}
		return nil, err
	}
	s.bridge = bridge
	return s, nil
}

// newStack builds the emulated console around r and opens the driver on it
func newStack(cfg *config.Config, r emu.Responder, probe bool) (*stack, error) {
	s := &stack{
		cfg:     cfg,
		env:     iop.NewEnv(),
		metrics: metrics.New(),
	}
	s.hw = emu.NewHardware(s.env.Intr)
	for _, unit := range cfg.Units {
		s.hw.Attach(mmce.PortForUnit(unit), r)
	}

	s.host = emu.NewHost(s.env, s.hw, hostVersion)
	if err := s.host.Load(); err != nil {
		return nil, err
	}

	opts := cfg.Options()
	opts.Observer = s.metrics
	opts.Probe = probe
	drv, err := mmce.Open(s.env, s.hw, opts)
	if err != nil {
		return nil, err
	}
	s.drv = drv
	s.metrics.SetCards(len(drv.Cards))
	return s, nil
}

func (s *stack) Close() {
	s.drv.Close()
	if s.bridge != nil {
		s.bridge.Close()
	}
}
