// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package humidity

import (
	"fmt"
	"math"
)

// reference pressure for the ventilation estimate
const standardPressure = 1014

// HumidifierConfig describes the humidifier and the room it serves.
type HumidifierConfig struct {
	MaxRH float64 `json:"maxRH"`
	MinRH float64 `json:"minRH"`
	// indoor temperature in °C
	InTemp float64 `json:"inTemp"`
	// water the humidifier needs per day to hold the room at the mean of
	// MinRH and MaxRH, in l/d
	VaporMass float64 `json:"vaporMass"`
	// in ml/h
	VaporizingPower float64 `json:"vaporizingPower"`
	// room volume in m³
	Volume float64 `json:"volume"`
	// longest step in seconds used when integrating over a period
	IntegrationStep float64 `json:"integrationStep"`
}

func (c *HumidifierConfig) validate() error {
	if c.MinRH <= 0 || c.MaxRH > 100 || c.MinRH >= c.MaxRH {
		return fmt.Errorf("invalid humidity bounds [%f, %f]", c.MinRH, c.MaxRH)
	}
	if c.Volume <= 0 {
		return fmt.Errorf("invalid room volume %f", c.Volume)
	}
	if c.VaporMass <= 0 || c.VaporizingPower <= 0 {
		return fmt.Errorf("invalid humidifier capacity %f l/d, %f ml/h", c.VaporMass, c.VaporizingPower)
	}
	return nil
}

// Humidifier predicts the indoor humidity change for one period given the
// outdoor conditions of that period.
type Humidifier struct {
	cfg         HumidifierConfig
	pressure    float64
	outTemp     float64
	dewPoint    float64
	circulation float64 // air exchange, kg/s
	vaporizing  float64 // g/s
}

func NewHumidifier(cfg HumidifierConfig, pressure, outTemp, dewPoint float64) *Humidifier {
	maxMR := MixingRatio(DewPoint(cfg.MaxRH, cfg.InTemp), standardPressure)
	minMR := MixingRatio(DewPoint(cfg.MinRH, cfg.InTemp), standardPressure)
	return &Humidifier{
		cfg:         cfg,
		pressure:    pressure,
		outTemp:     outTemp,
		dewPoint:    dewPoint,
		circulation: 1000 * cfg.VaporMass / (86400 * (maxMR + minMR) / 2),
		vaporizing:  cfg.VaporizingPower / 3600,
	}
}

// Delta integrates the humidity change over seconds starting at rh.
func (h *Humidifier) Delta(seconds, rh float64, on bool) float64 {
	step := h.cfg.IntegrationStep
	if step <= 0 || step >= seconds {
		return h.delta(seconds, rh, on)
	}
	n := math.Ceil(seconds / step)
	dt := seconds / n
	cur := rh
	for i := 0; i < int(n); i++ {
		cur += h.delta(dt, cur, on)
	}
	return cur - rh
}

func (h *Humidifier) delta(seconds, rh float64, on bool) float64 {
	d := h.DeltaCirculation(seconds, rh)
	if on {
		d += h.DeltaVaporizing(seconds, rh)
	}
	return d
}

// DeltaVaporizing is the humidity added by the humidifier in seconds.
func (h *Humidifier) DeltaVaporizing(seconds, rh float64) float64 {
	vapor := h.totalVapor(rh) + h.vaporizing*seconds
	return h.relativeHumidity(vapor) - rh
}

// DeltaCirculation is the humidity change caused by air exchange with the
// outside in seconds.
func (h *Humidifier) DeltaCirculation(seconds, rh float64) float64 {
	inMR := MixingRatio(DewPoint(rh, h.cfg.InTemp), h.pressure)
	outMR := MixingRatio(h.dewPoint, h.pressure)
	vapor := h.totalVapor(rh) + h.circulation*(outMR-inMR)*seconds
	return h.relativeHumidity(vapor) - rh
}

// totalVapor returns the grams of water in the room at rh.
func (h *Humidifier) totalVapor(rh float64) float64 {
	return rh * SaturatedMixingRatio(h.cfg.InTemp, h.pressure) * h.airWeight() / 100
}

func (h *Humidifier) relativeHumidity(vapor float64) float64 {
	return 100 * vapor / (SaturatedMixingRatio(h.cfg.InTemp, h.pressure) * h.airWeight())
}

func (h *Humidifier) airWeight() float64 {
	return h.cfg.Volume * AirWeight(h.cfg.InTemp, h.pressure)
}

func (h *Humidifier) String() string {
	return fmt.Sprintf("humidifier{p=%.1f t=%.1f dp=%.1f}", h.pressure, h.outTemp, h.dewPoint)
}
