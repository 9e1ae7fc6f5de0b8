// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package entsoe reads day-ahead prices from the ENTSO-E transparency
// platform.
package entsoe

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultURL = "https://web-api.tp.entsoe.eu/api"
	dateFormat = "200601021504"
)

type Config struct {
	URL           string  `json:"url"`
	SecurityToken string  `json:"securityToken"`
	Domain        string  `json:"domain"`
	DocumentType  string  `json:"documentType"`
	Parameter     string  `json:"parameter"`
	Scale         float64 `json:"scale"`
	Days          int     `json:"days"`
	Timeout       string  `json:"timeout"`
}

// Price is the price of one resolution step.
type Price struct {
	Start time.Time
	End   time.Time
	Value float64
}

type Client struct {
	cfg    Config
	client *resty.Client
	now    func() time.Time
}

func New(rawCfg json.RawMessage) (*Client, error) {
	cfg := Config{
		URL:          DefaultURL,
		DocumentType: "A44",
		Parameter:    "price",
		Scale:        1,
		Days:         2,
		Timeout:      "30s",
	}
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		err := fmt.Errorf("failed to parse config: %v", err.Error())
		cclog.ComponentError("Entsoe", err.Error())
		return nil, err
	}
	if cfg.SecurityToken == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("entsoe needs securityToken and domain")
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeout %s: %v", cfg.Timeout, err.Error())
	}

	c := &Client{
		cfg: cfg,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "text/xml"),
		now: time.Now,
	}
	return c, nil
}

func (c *Client) Parameter() string {
	return c.cfg.Parameter
}

// Fetch reads the prices from the start of the current UTC day on for the
// configured number of days.
func (c *Client) Fetch(ctx context.Context) ([]Price, error) {
	start := c.now().UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, c.cfg.Days)
	cclog.ComponentDebug("Entsoe", "read prices", start, "-", end)

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"securityToken": c.cfg.SecurityToken,
			"documentType":  c.cfg.DocumentType,
			"periodStart":   start.Format(dateFormat),
			"periodEnd":     end.Format(dateFormat),
			"out_Domain":    c.cfg.Domain,
			"in_Domain":     c.cfg.Domain,
		}).
		Get(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("price request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("price request failed: rc = %d %s", resp.StatusCode(), resp.String())
	}

	prices, err := Parse(resp.Body())
	if err != nil {
		return nil, err
	}
	for i := range prices {
		prices[i].Value *= c.cfg.Scale
	}
	return prices, nil
}

type document struct {
	TimeSeries []struct {
		Currency string `xml:"currency_Unit.name"`
		Unit     string `xml:"price_Measure_Unit.name"`
		Period   []struct {
			Start      string `xml:"timeInterval>start"`
			End        string `xml:"timeInterval>end"`
			Resolution string `xml:"resolution"`
			Points     []struct {
				Position int     `xml:"position"`
				Amount   float64 `xml:"price.amount"`
			} `xml:"Point"`
		} `xml:"Period"`
	} `xml:"TimeSeries"`
}

// Parse reads a publication market document. Positions missing from a
// period repeat the previous price.
func Parse(data []byte) ([]Price, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse price document: %w", err)
	}

	var prices []Price
	for _, ts := range doc.TimeSeries {
		for _, p := range ts.Period {
			start, err := parseTime(p.Start)
			if err != nil {
				return nil, err
			}
			end, err := parseTime(p.End)
			if err != nil {
				return nil, err
			}
			resolution, err := parseResolution(p.Resolution)
			if err != nil {
				return nil, err
			}

			last := 0
			var lastPrice float64
			for _, pt := range p.Points {
				for i := last; i < pt.Position-1; i++ {
					prices = append(prices, step(start, resolution, i, lastPrice))
				}
				prices = append(prices, step(start, resolution, pt.Position-1, pt.Amount))
				last = pt.Position
				lastPrice = pt.Amount
			}
			// trailing positions
			if last > 0 {
				for t := start.Add(time.Duration(last) * resolution); t.Before(end); t = t.Add(resolution) {
					prices = append(prices, Price{Start: t, End: t.Add(resolution), Value: lastPrice})
				}
			}
		}
	}
	return prices, nil
}

func step(start time.Time, resolution time.Duration, i int, value float64) Price {
	s := start.Add(time.Duration(i) * resolution)
	return Price{Start: s, End: s.Add(resolution), Value: value}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04Z07:00", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

var resolutionRe = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?$`)

// parseResolution understands the ISO 8601 durations used by the platform,
// e.g. PT15M or PT60M.
func parseResolution(s string) (time.Duration, error) {
	if s == "P1D" {
		return 24 * time.Hour, nil
	}
	m := resolutionRe.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		d += time.Duration(mins) * time.Minute
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
	return d, nil
}
