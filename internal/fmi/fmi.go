// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fmi reads point weather forecasts from the open data service of
// the Finnish Meteorological Institute.
package fmi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultURL        = "https://opendata.fmi.fi/wfs"
	DefaultParameters = "Pressure,Temperature,Dewpoint,Humidity"
	storedQuery       = "fmi::forecast::harmonie::surface::point::multipointcoverage"
)

type Config struct {
	URL        string `json:"url"`
	Place      string `json:"place"`
	Parameters string `json:"parameters"`
	Duration   string `json:"duration"`
	Timestep   string `json:"timestep"`
	Timeout    string `json:"timeout"`
}

// Observation holds the forecast values of all parameters at one time.
type Observation struct {
	Time   time.Time
	Values map[string]float64
}

type Client struct {
	cfg      Config
	duration time.Duration
	timestep time.Duration
	client   *resty.Client
	now      func() time.Time
}

func New(rawCfg json.RawMessage) (*Client, error) {
	cfg := Config{
		URL:        DefaultURL,
		Parameters: DefaultParameters,
		Duration:   "12h",
		Timestep:   "15m",
		Timeout:    "30s",
	}
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		err := fmt.Errorf("failed to parse config: %v", err.Error())
		cclog.ComponentError("FMI", err.Error())
		return nil, err
	}
	if cfg.Place == "" {
		return nil, errors.New("fmi needs a place")
	}

	c := &Client{cfg: cfg, now: time.Now}
	var err error
	if c.duration, err = time.ParseDuration(cfg.Duration); err != nil {
		return nil, fmt.Errorf("failed to parse duration %s: %v", cfg.Duration, err.Error())
	}
	if c.timestep, err = time.ParseDuration(cfg.Timestep); err != nil {
		return nil, fmt.Errorf("failed to parse timestep %s: %v", cfg.Timestep, err.Error())
	}
	if c.timestep < time.Minute {
		return nil, fmt.Errorf("timestep %v below one minute", c.timestep)
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeout %s: %v", cfg.Timeout, err.Error())
	}
	c.client = resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "text/xml")
	return c, nil
}

func (c *Client) Timestep() time.Duration {
	return c.timestep
}

// Fetch reads the forecast from the start of the current hour on.
func (c *Client) Fetch(ctx context.Context) ([]Observation, error) {
	start := c.now().UTC().Truncate(time.Hour)
	end := start.Add(c.duration)
	cclog.ComponentDebug("FMI", "read forecast", start, "-", end)

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"service":        "WFS",
			"version":        "2.0.0",
			"request":        "getFeature",
			"storedquery_id": storedQuery,
			"place":          c.cfg.Place,
			"parameters":     c.cfg.Parameters,
			"timestep":       strconv.Itoa(int(c.timestep.Minutes())),
			"starttime":      start.Format(time.RFC3339),
			"endtime":        end.Format(time.RFC3339),
		}).
		Get(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("forecast request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("forecast request failed: rc = %d %s", resp.StatusCode(), resp.String())
	}
	return Parse(resp.Body(), c.timestep)
}

// Parse reads a multi point coverage document. Observation times come from
// the coverage positions when present, otherwise they are counted from the
// begin of the phenomenon time in timestep increments.
func Parse(data []byte, timestep time.Duration) ([]Observation, error) {
	var (
		begin     time.Time
		fields    []string
		values    []float64
		positions []string
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse forecast: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "field":
			for _, a := range se.Attr {
				if a.Name.Local == "name" {
					fields = append(fields, strings.ToLower(a.Value))
				}
			}
		case "beginPosition":
			var s string
			if err := dec.DecodeElement(&s, &se); err != nil {
				return nil, err
			}
			if begin.IsZero() {
				if begin, err = time.Parse(time.RFC3339, strings.TrimSpace(s)); err != nil {
					return nil, fmt.Errorf("invalid begin position: %w", err)
				}
			}
		case "positions":
			var s string
			if err := dec.DecodeElement(&s, &se); err != nil {
				return nil, err
			}
			positions = strings.Fields(s)
		case "doubleOrNilReasonTupleList":
			var s string
			if err := dec.DecodeElement(&s, &se); err != nil {
				return nil, err
			}
			for _, f := range strings.Fields(s) {
				v, err := strconv.ParseFloat(f, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid value %q: %w", f, err)
				}
				values = append(values, v)
			}
		}
	}

	if len(fields) == 0 {
		return nil, errors.New("forecast without fields")
	}
	if len(values)%len(fields) != 0 {
		return nil, fmt.Errorf("%d values do not fit %d fields", len(values), len(fields))
	}
	count := len(values) / len(fields)
	// lat lon time per point
	usePositions := len(positions) == 3*count
	if !usePositions && begin.IsZero() {
		return nil, errors.New("forecast without time")
	}

	obs := make([]Observation, 0, count)
	for i := 0; i < count; i++ {
		ts := begin.Add(time.Duration(i) * timestep)
		if usePositions {
			epoch, err := strconv.ParseInt(positions[3*i+2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid position time %q: %w", positions[3*i+2], err)
			}
			ts = time.Unix(epoch, 0).UTC()
		}
		o := Observation{Time: ts, Values: make(map[string]float64, len(fields))}
		for j, field := range fields {
			v := values[i*len(fields)+j]
			if math.IsNaN(v) {
				continue
			}
			o.Values[field] = v
		}
		obs = append(obs, o)
	}
	return obs, nil
}
