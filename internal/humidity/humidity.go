// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package humidity contains the psychrometric formulas and the humidifier
// model used to predict indoor relative humidity.
//
// Temperatures are in °C, pressures in hPa, relative humidity in percent and
// mixing ratios in grams of water per kilogram of dry air.
package humidity

import "math"

// Magnus coefficients
const (
	magnusB = 17.625
	magnusC = 243.04
)

func gamma(rh, t float64) float64 {
	return math.Log(rh/100) + magnusB*t/(magnusC+t)
}

// DewPoint returns the dew point of air at temperature t with relative
// humidity rh.
func DewPoint(rh, t float64) float64 {
	g := gamma(rh, t)
	return magnusC * g / (magnusB - g)
}

// RelativeHumidity returns the relative humidity of air at temperature t with
// the given dew point.
func RelativeHumidity(dewPoint, t float64) float64 {
	return 100 * VaporPressure(dewPoint) / VaporPressure(t)
}

// VaporPressure returns the saturation vapour pressure at t. Called with a dew
// point it returns the actual vapour pressure.
func VaporPressure(t float64) float64 {
	return 6.11 * math.Pow(10, 7.5*t/(237.3+t))
}

// MixingRatio returns the water content of air with the given dew point.
func MixingRatio(dewPoint, pressure float64) float64 {
	e := VaporPressure(dewPoint)
	return 621.97 * e / (pressure - e)
}

// SaturatedMixingRatio returns the maximum water content of air at t.
func SaturatedMixingRatio(t, pressure float64) float64 {
	return MixingRatio(t, pressure)
}

// AirWeight returns the weight of one cubic meter of air in kg.
func AirWeight(t, pressure float64) float64 {
	return 100 * pressure / (287.058 * (273.15 + t))
}

// InsideRH returns the relative humidity outdoor air reaches once it has been
// warmed to the indoor temperature.
func InsideRH(outTemp, inTemp, outRH, pressure float64) float64 {
	outMR := MixingRatio(DewPoint(outRH, outTemp), pressure)
	return 100 * outMR / SaturatedMixingRatio(inTemp, pressure)
}
