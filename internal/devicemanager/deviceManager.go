// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devicemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/controller"
	"github.com/ClusterCockpit/cc-energy-planner/internal/entsoe"
	"github.com/ClusterCockpit/cc-energy-planner/internal/fmi"
	"github.com/ClusterCockpit/cc-energy-planner/internal/metrics"
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
	"github.com/robfig/cron/v3"
)

// PriceSource delivers electricity prices.
type PriceSource interface {
	Fetch(ctx context.Context) ([]entsoe.Price, error)
	Parameter() string
}

// WeatherSource delivers weather forecasts.
type WeatherSource interface {
	Fetch(ctx context.Context) ([]fmi.Observation, error)
	Timestep() time.Duration
}

type DeviceManager interface {
	AddInput(input chan lp.CCMessage)
	AddOutput(output chan lp.CCMessage)
	Start()
	Close()
	Devices() []string
	Device(name string) (*Device, bool)
	UpdatePrices(ctx context.Context, src PriceSource) (time.Time, error)
	UpdateWeather(ctx context.Context, src WeatherSource) (time.Time, error)
}

type managerConfig struct {
	Period  string            `json:"period"`
	Window  string            `json:"window"`
	Devices []json.RawMessage `json:"devices"`
}

type deviceManager struct {
	devices map[string]*Device
	names   []string
	period  time.Duration
	clock   func() time.Time
	ctrl    controller.Controller
	metrics *metrics.Metrics
	cron    *cron.Cron
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
	input   chan lp.CCMessage
	output  chan lp.CCMessage
}

type Option func(*deviceManager)

// WithClock replaces the wall clock of all device stores.
func WithClock(now func() time.Time) Option {
	return func(dm *deviceManager) {
		dm.clock = now
	}
}

// periodSchedule fires at every period boundary.
type periodSchedule struct {
	period time.Duration
}

func (s periodSchedule) Next(t time.Time) time.Time {
	return t.Truncate(s.period).Add(s.period)
}

func NewDeviceManager(config json.RawMessage, ctrl controller.Controller, m *metrics.Metrics, opts ...Option) (DeviceManager, error) {
	cfg := managerConfig{
		Period: "15m",
		Window: "48h",
	}
	if err := json.Unmarshal(config, &cfg); err != nil {
		cclog.ComponentError("ccConfig", err.Error())
		return nil, err
	}

	dm := &deviceManager{
		devices: make(map[string]*Device),
		ctrl:    ctrl,
		metrics: m,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dm)
	}

	var err error
	if dm.period, err = time.ParseDuration(cfg.Period); err != nil {
		return nil, fmt.Errorf("failed to parse period %s: %v", cfg.Period, err.Error())
	}
	window, err := time.ParseDuration(cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to parse window %s: %v", cfg.Window, err.Error())
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("no devices configured")
	}

	for _, rawDevice := range cfg.Devices {
		d, err := newDevice(rawDevice, dm.period, window, dm.clock, ctrl, m)
		if err != nil {
			return nil, fmt.Errorf("AddDevice() failed: %w", err)
		}
		if _, ok := dm.devices[d.name]; ok {
			return nil, fmt.Errorf("device defined twice in config file: '%s'", d.name)
		}
		cclog.Debugf("Adding device '%s'", d.name)
		dm.devices[d.name] = d
		dm.names = append(dm.names, d.name)
	}
	slices.Sort(dm.names)

	dm.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	dm.cron.Schedule(periodSchedule{period: dm.period}, cron.FuncJob(dm.tick))
	return dm, nil
}

func (dm *deviceManager) AddInput(input chan lp.CCMessage) {
	dm.input = input
}

func (dm *deviceManager) AddOutput(output chan lp.CCMessage) {
	dm.output = output
}

func (dm *deviceManager) Devices() []string {
	return dm.names
}

func (dm *deviceManager) Device(name string) (*Device, bool) {
	d, ok := dm.devices[name]
	return d, ok
}

func (dm *deviceManager) processMetric(msg lp.CCMessage) {
	if !msg.IsMetric() {
		cclog.ComponentError("DeviceManager", "Incoming message is not a metric:", msg.String())
		return
	}

	hostname, ok := msg.GetTag("hostname")
	if !ok {
		cclog.ComponentError("DeviceManager", "Incoming message is missing tag 'hostname':", msg.String())
		return
	}

	d, ok := dm.devices[hostname]
	if !ok {
		// not one of our devices
		return
	}
	if d.add(msg) {
		dm.metrics.Sample(d.name)
	}
}

// tick runs at every period boundary.
func (dm *deviceManager) tick() {
	for _, name := range dm.names {
		d := dm.devices[name]
		for _, m := range d.tick() {
			dm.emit(m)
		}
	}
}

func (dm *deviceManager) emit(m lp.CCMessage) {
	if dm.output == nil {
		return
	}
	select {
	case dm.output <- m:
	default:
		cclog.ComponentWarn("DeviceManager", "output full, dropping", m.Name())
	}
}

// UpdatePrices stores the prices in every device store and restarts the
// planners. It returns the end of the delivered prices.
func (dm *deviceManager) UpdatePrices(ctx context.Context, src PriceSource) (time.Time, error) {
	prices, err := src.Fetch(ctx)
	if err != nil {
		dm.metrics.FetchError("entsoe")
		return time.Time{}, err
	}
	if len(prices) == 0 {
		dm.metrics.FetchError("entsoe")
		return time.Time{}, errors.New("no prices delivered")
	}

	for _, d := range dm.devices {
		n := 0
		for _, p := range prices {
			k, err := d.store.SetRange(p.Start, p.End, src.Parameter(), p.Value)
			n += k
			if errors.Is(err, timeseries.ErrCapacity) {
				// beyond the planning window
				break
			}
			if err != nil {
				cclog.ComponentError("DeviceManager", d.name, err.Error())
				break
			}
		}
		cclog.ComponentDebug("DeviceManager", d.name, fmt.Sprintf("stored %d price periods", n))
		d.ReStart()
	}
	dm.metrics.Fetched("entsoe", len(prices))
	return prices[len(prices)-1].End, nil
}

// UpdateWeather stores the forecast in every device store and restarts the
// planners. It returns the end of the delivered forecast.
func (dm *deviceManager) UpdateWeather(ctx context.Context, src WeatherSource) (time.Time, error) {
	obs, err := src.Fetch(ctx)
	if err != nil {
		dm.metrics.FetchError("fmi")
		return time.Time{}, err
	}
	if len(obs) == 0 {
		dm.metrics.FetchError("fmi")
		return time.Time{}, errors.New("no forecast delivered")
	}

	step := src.Timestep()
	for _, d := range dm.devices {
		n := 0
	observations:
		for _, o := range obs {
			for name, value := range o.Values {
				k, err := d.store.SetRange(o.Time, o.Time.Add(step), name, value)
				n += k
				if errors.Is(err, timeseries.ErrCapacity) {
					break observations
				}
				if err != nil {
					cclog.ComponentError("DeviceManager", d.name, err.Error())
					break observations
				}
			}
		}
		cclog.ComponentDebug("DeviceManager", d.name, fmt.Sprintf("stored %d forecast values", n))
		d.ReStart()
	}
	dm.metrics.Fetched("fmi", len(obs))
	return obs[len(obs)-1].Time.Add(step), nil
}

func (dm *deviceManager) Start() {
	dm.wg.Add(1)
	dm.started = true

	cclog.ComponentDebug("DeviceManager", "Starting")
	for _, d := range dm.devices {
		d.ReStart()
	}
	dm.cron.Start()

	go func() {
		for {
			select {
			case <-dm.done:
				cclog.ComponentDebug("DeviceManager", "Received Shutdown signal")
				dm.wg.Done()
				return
			case m := <-dm.input:
				if m.MessageType() == lp.CCMSG_TYPE_METRIC {
					dm.processMetric(m)
				}
			}
		}
	}()
}

func (dm *deviceManager) Close() {
	if !dm.started {
		cclog.ComponentDebug("DeviceManager", "Not started, thus not closing")
		return
	}
	cclog.ComponentDebug("DeviceManager", "Stopping DeviceManager...")
	<-dm.cron.Stop().Done()
	dm.done <- struct{}{}
	dm.wg.Wait()
	for name, d := range dm.devices {
		if d.Running() {
			cclog.Debugf("Stopping planner of device %s", name)
			if err := d.Stop(); err != nil {
				cclog.ComponentDebug("DeviceManager", err.Error())
			}
		}
	}
	cclog.ComponentDebug("DeviceManager", "Stopped DeviceManager!")
}
