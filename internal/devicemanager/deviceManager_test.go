// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package devicemanager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/controller"
	"github.com/ClusterCockpit/cc-energy-planner/internal/entsoe"
	"github.com/ClusterCockpit/cc-energy-planner/internal/fmi"
	"github.com/ClusterCockpit/cc-energy-planner/internal/humidity"
	"github.com/ClusterCockpit/cc-energy-planner/internal/metrics"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	ccmessage "github.com/ClusterCockpit/cc-lib/ccMessage"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakePrices struct {
	err error
}

func (f *fakePrices) Fetch(ctx context.Context) ([]entsoe.Price, error) {
	if f.err != nil {
		return nil, f.err
	}
	prices := make([]entsoe.Price, 0, 6)
	for i := 0; i < 6; i++ {
		value := 1.0
		if i >= 2 {
			value = 10
		}
		start := t0.Add(time.Duration(i) * time.Hour)
		prices = append(prices, entsoe.Price{Start: start, End: start.Add(time.Hour), Value: value})
	}
	return prices, nil
}

func (f *fakePrices) Parameter() string {
	return "price"
}

type fakeWeather struct{}

func (f *fakeWeather) Fetch(ctx context.Context) ([]fmi.Observation, error) {
	obs := make([]fmi.Observation, 0, 24)
	for i := 0; i < 24; i++ {
		obs = append(obs, fmi.Observation{
			Time: t0.Add(time.Duration(i) * 15 * time.Minute),
			Values: map[string]float64{
				humidity.ParamPressure:    1014,
				humidity.ParamTemperature: -22,
				humidity.ParamDewPoint:    humidity.DewPoint(30, -22),
				humidity.ParamHumidity:    30,
			},
		})
	}
	return obs, nil
}

func (f *fakeWeather) Timestep() time.Duration {
	return 15 * time.Minute
}

func newTestManager(t *testing.T) (*deviceManager, controller.Controller) {
	t.Helper()
	cclog.Init("debug", false)
	b, err := os.ReadFile("testconfig.json")
	if err != nil {
		t.Fatal(err.Error())
	}
	ctrl, err := controller.New(json.RawMessage(`{"type": "log"}`))
	if err != nil {
		t.Fatal(err.Error())
	}
	dm, err := NewDeviceManager(b, ctrl, metrics.New(), WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatal(err.Error())
	}
	return dm.(*deviceManager), ctrl
}

func metric(t *testing.T, name, hostname string, value float64, ts time.Time) ccmessage.CCMessage {
	t.Helper()
	m, err := ccmessage.NewMetric(name, map[string]string{"hostname": hostname, "type": "node"}, nil, value, ts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func waitIdle(t *testing.T, d *Device) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("planner of %s still running", d.Name())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	dm, _ := newTestManager(t)
	devices := dm.Devices()
	if len(devices) != 2 || devices[0] != "room1" || devices[1] != "room2" {
		t.Errorf("unexpected devices %v", devices)
	}
	d, ok := dm.Device("room1")
	if !ok {
		t.Fatalf("room1 missing")
	}
	if d.Store().Capacity() != 25 {
		t.Errorf("expected capacity 25, got %d", d.Store().Capacity())
	}
	if cfg := d.optimizer.Config(); cfg.MaxState != 60 || cfg.MinState != 40 || cfg.PoolSize != 1000 {
		t.Errorf("unexpected planner config %+v", cfg)
	}
}

func TestNewInvalid(t *testing.T) {
	cclog.Init("debug", false)
	ctrl, _ := controller.New(json.RawMessage(`{"type": "log"}`))

	if _, err := NewDeviceManager(json.RawMessage(`{"devices": []}`), ctrl, nil); err == nil {
		t.Errorf("expected error without devices")
	}
	twice := `{
        "devices": [
          {"name": "a", "humidifier": {"vaporMass": 1, "vaporizingPower": 1, "volume": 1}, "aggregator": {"metrics": {"rh": "indoorhumidity"}}},
          {"name": "a", "humidifier": {"vaporMass": 1, "vaporizingPower": 1, "volume": 1}, "aggregator": {"metrics": {"rh": "indoorhumidity"}}}
        ]
      }`
	if _, err := NewDeviceManager(json.RawMessage(twice), ctrl, nil); err == nil {
		t.Errorf("expected error for duplicate device")
	}
	if _, err := NewDeviceManager(json.RawMessage(`{"devices": [{"name": "a"}]}`), ctrl, nil); err == nil {
		t.Errorf("expected error for incomplete device")
	}
}

func TestProcessMetric(t *testing.T) {
	dm, _ := newTestManager(t)

	dm.processMetric(metric(t, "indoor_humidity", "room1", 48, t0.Add(time.Minute)))
	dm.processMetric(metric(t, "indoor_humidity", "room1", 52, t0.Add(2*time.Minute)))
	dm.processMetric(metric(t, "indoor_humidity", "unknown", 10, t0))
	dm.processMetric(metric(t, "rh", "room2", 47, t0))

	d1, _ := dm.Device("room1")
	if v, err := d1.Store().GetFloat(0, "indoorhumidity"); err == nil {
		t.Errorf("unexpected value %f in period 0", v)
	}
	now := d1.Store().CurrentIndex()
	if v, err := d1.Store().GetFloat(now, "indoorhumidity"); err != nil || v != 50 {
		t.Errorf("expected median 50, got %f, %v", v, err)
	}
	d2, _ := dm.Device("room2")
	if v, err := d2.Store().GetFloat(now, "indoorhumidity"); err != nil || v != 47 {
		t.Errorf("expected 47, got %f, %v", v, err)
	}
}

func TestUpdates(t *testing.T) {
	dm, _ := newTestManager(t)
	d, _ := dm.Device("room1")
	now := d.Store().CurrentIndex()

	end, err := dm.UpdatePrices(context.Background(), &fakePrices{})
	if err != nil {
		t.Fatalf("price update failed: %v", err)
	}
	if !end.Equal(t0.Add(6 * time.Hour)) {
		t.Errorf("unexpected price end %v", end)
	}
	if v, err := d.Store().GetFloat(now+5, "price"); err != nil || v != 1 {
		t.Errorf("expected price 1 at 13:15, got %f, %v", v, err)
	}
	if v, err := d.Store().GetFloat(now+8, "price"); err != nil || v != 10 {
		t.Errorf("expected price 10 at 14:00, got %f, %v", v, err)
	}

	end, err = dm.UpdateWeather(context.Background(), &fakeWeather{})
	if err != nil {
		t.Fatalf("weather update failed: %v", err)
	}
	if !end.Equal(t0.Add(6 * time.Hour)) {
		t.Errorf("unexpected forecast end %v", end)
	}
	if v, err := d.Store().GetFloat(now+23, humidity.ParamPressure); err != nil || v != 1014 {
		t.Errorf("expected pressure 1014, got %f, %v", v, err)
	}

	if _, err := dm.UpdatePrices(context.Background(), &fakePrices{err: errors.New("down")}); err == nil {
		t.Errorf("expected fetch error to be returned")
	}

	for _, name := range dm.Devices() {
		d, _ := dm.Device(name)
		waitIdle(t, d)
	}
}

func TestTick(t *testing.T) {
	dm, ctrl := newTestManager(t)
	output := make(chan ccmessage.CCMessage, 200)
	dm.AddOutput(output)

	dm.processMetric(metric(t, "indoor_humidity", "room1", 50, t0.Add(time.Minute)))
	if _, err := dm.UpdatePrices(context.Background(), &fakePrices{}); err != nil {
		t.Fatal(err)
	}
	if _, err := dm.UpdateWeather(context.Background(), &fakeWeather{}); err != nil {
		t.Fatal(err)
	}

	d, _ := dm.Device("room1")
	for _, name := range dm.Devices() {
		d, _ := dm.Device(name)
		waitIdle(t, d)
	}
	if d.optimizer.Size() == 0 {
		t.Fatalf("planner found no candidates")
	}

	now := d.Store().CurrentIndex()
	best, err := d.optimizer.Best()
	if err != nil {
		t.Fatal(err)
	}
	want, ok := best.Decision(now)
	if !ok {
		t.Fatalf("best candidate %v has no decision for now", best)
	}

	dm.tick()

	on, ok := ctrl.State("room1")
	if !ok || on != want {
		t.Errorf("expected room1 on=%v, got %v (%v)", want, on, ok)
	}
	if _, ok := ctrl.State("room2"); !ok {
		t.Errorf("room2 was not switched")
	}

	if len(output) == 0 {
		t.Fatalf("no plan emitted")
	}
	m := <-output
	if m.Name() != "plan_cost" {
		t.Errorf("expected plan_cost first, got %s", m.Name())
	}
	if host, _ := m.GetTag("hostname"); host != "room1" {
		t.Errorf("expected room1 first, got %s", host)
	}
	m = <-output
	if m.Name() != "plan" || !m.Time().Equal(t0) {
		t.Errorf("expected decision for %v, got %s at %v", t0, m.Name(), m.Time())
	}

	waitIdle(t, d)
	for _, c := range d.optimizer.Candidates() {
		if decided, ok := c.Decision(now); ok && decided != want {
			t.Errorf("candidate %v disagrees with committed decision", c)
		}
	}
}

func TestPlan(t *testing.T) {
	dm, _ := newTestManager(t)
	dm.processMetric(metric(t, "indoor_humidity", "room1", 50, t0))
	dm.UpdatePrices(context.Background(), &fakePrices{})
	dm.UpdateWeather(context.Background(), &fakeWeather{})

	d, _ := dm.Device("room1")
	waitIdle(t, d)
	p, err := d.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if p.Device != "room1" || !p.Start.Equal(t0) {
		t.Errorf("unexpected plan %+v", p)
	}
	for i, dec := range p.Decisions {
		if !dec.Time.Equal(t0.Add(time.Duration(i) * 15 * time.Minute)) {
			t.Errorf("decision %d at unexpected time %v", i, dec.Time)
		}
	}
	if cs := d.Candidates(3); len(cs) != 3 {
		t.Errorf("expected 3 candidates, got %d", len(cs))
	}
	for _, name := range dm.Devices() {
		d, _ := dm.Device(name)
		waitIdle(t, d)
	}
}

func TestStartClose(t *testing.T) {
	dm, _ := newTestManager(t)
	input := make(chan ccmessage.CCMessage, 10)
	dm.AddInput(input)
	dm.Start()

	input <- metric(t, "rh", "room2", 44, t0)

	d, _ := dm.Device("room2")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, err := d.Store().GetFloat(d.Store().CurrentIndex(), "indoorhumidity"); err == nil && v == 44 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sample did not reach the store")
		}
		time.Sleep(10 * time.Millisecond)
	}
	dm.Close()
	for _, name := range dm.Devices() {
		d, _ := dm.Device(name)
		if d.Running() {
			t.Errorf("planner of %s still running after close", name)
		}
	}
}

func TestPeriodSchedule(t *testing.T) {
	s := periodSchedule{period: 15 * time.Minute}
	next := s.Next(t0.Add(7 * time.Minute))
	if !next.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("expected next boundary at 12:15, got %v", next)
	}
	if next := s.Next(t0); !next.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("expected boundary to move on, got %v", next)
	}
}
