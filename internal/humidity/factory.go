// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package humidity

import (
	"encoding/json"
	"fmt"

	"github.com/ClusterCockpit/cc-energy-planner/internal/planner"
	"github.com/ClusterCockpit/cc-energy-planner/internal/timeseries"
)

// Parameter names read and derived by the factory.
const (
	ParamPressure    = "pressure"
	ParamTemperature = "temperature"
	ParamDewPoint    = "dewpoint"
	ParamHumidity    = "humidity"

	ParamHumidifier     = "humidifier"
	ParamIndoorHumidity = "indoorhumidity"
)

var _ planner.Model = (*Humidifier)(nil)

type Factory struct {
	cfg HumidifierConfig
}

func NewFactory(rawCfg json.RawMessage) (*Factory, error) {
	cfg := HumidifierConfig{
		MaxRH:           60,
		MinRH:           40,
		InTemp:          22,
		IntegrationStep: 60,
	}
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse humidifier config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

func (f *Factory) Config() HumidifierConfig {
	return f.cfg
}

func (f *Factory) Create(pressure, outTemp, dewPoint float64) *Humidifier {
	return NewHumidifier(f.cfg, pressure, outTemp, dewPoint)
}

// Register adds the rules deriving the humidifier model and the expected
// indoor humidity from the outdoor weather to st. Measured indoor humidity
// written to st takes precedence over the derived one.
func (f *Factory) Register(st *timeseries.Store) {
	st.AddDerivationRule(ParamHumidifier, []string{ParamPressure, ParamTemperature, ParamDewPoint}, func(args []any) (any, error) {
		v, err := floats(args)
		if err != nil {
			return nil, err
		}
		return f.Create(v[0], v[1], v[2]), nil
	})
	st.AddDerivationRule(ParamIndoorHumidity, []string{ParamPressure, ParamTemperature, ParamHumidity}, func(args []any) (any, error) {
		v, err := floats(args)
		if err != nil {
			return nil, err
		}
		return InsideRH(v[1], f.cfg.InTemp, v[2], v[0]), nil
	})
}

func floats(args []any) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, not float64", i, a)
		}
		out[i] = f
	}
	return out, nil
}
