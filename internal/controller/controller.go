// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/nats-io/nats.go"
)

// Controller switches devices on and off.
type Controller interface {
	Set(device string, on bool) error
	// State returns the last state set for device.
	State(device string) (on bool, ok bool)
	Close()
}

type NatsConfig struct {
	Server  string `json:"server"`
	Port    string `json:"port"`
	Subject string `json:"subject"`
}

type controllerConfig struct {
	Type        string     `json:"type"`
	Nats        NatsConfig `json:"nats"`
	ControlName string     `json:"controlName"`
}

func New(rawConfig json.RawMessage) (Controller, error) {
	cfg := controllerConfig{
		Type:        "nats",
		ControlName: "power",
		Nats: NatsConfig{
			Server:  "localhost",
			Subject: "controls",
		},
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			cclog.Warn("Error while unmarshaling raw config json")
			return nil, err
		}
	}

	switch cfg.Type {
	case "nats":
		return newNatsController(cfg)
	case "log":
		return newLogController(), nil
	default:
		return nil, fmt.Errorf("unknown controller type %s", cfg.Type)
	}
}

type states struct {
	mu sync.Mutex
	on map[string]bool
}

func (s *states) set(device string, on bool) {
	s.mu.Lock()
	s.on[device] = on
	s.mu.Unlock()
}

func (s *states) State(device string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	on, ok := s.on[device]
	return on, ok
}

// natsController publishes control messages in line protocol, as understood
// by cc-node-controller.
type natsController struct {
	states
	conn        *nats.Conn
	publish     func(subject string, data []byte) error
	subject     string
	controlName string
}

func newNatsController(cfg controllerConfig) (*natsController, error) {
	server := fmt.Sprintf("nats://%s", cfg.Nats.Server)
	if len(cfg.Nats.Port) > 0 {
		server += fmt.Sprintf(":%s", cfg.Nats.Port)
	}
	conn, err := nats.Connect(server)
	if err != nil {
		err = fmt.Errorf("failed to connect to NATS server %s: %v", server, err.Error())
		cclog.ComponentError("Controller", err.Error())
		return nil, err
	}
	c := &natsController{
		states:      states{on: make(map[string]bool)},
		conn:        conn,
		publish:     conn.Publish,
		subject:     cfg.Nats.Subject,
		controlName: cfg.ControlName,
	}
	return c, nil
}

func (c *natsController) Set(device string, on bool) error {
	msg, err := encodeControl(c.controlName, device, on, time.Now())
	if err != nil {
		return err
	}
	if err := c.publish(c.subject, msg); err != nil {
		cclog.Warnf("Setting control '%s' on device '%s' to %v failed: %v", c.controlName, device, on, err)
		return err
	}
	c.set(device, on)
	return nil
}

func (c *natsController) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// encodeControl renders a PUT control message for device.
func encodeControl(control, device string, on bool, ts time.Time) ([]byte, error) {
	value := "0"
	if on {
		value = "1"
	}

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Second)
	enc.StartLine(control)
	// tags in lexical order
	enc.AddTag("hostname", device)
	enc.AddTag("method", "PUT")
	enc.AddTag("type", "node")
	enc.AddTag("type-id", "0")
	enc.AddField("value", lineprotocol.MustNewValue(value))
	enc.EndLine(ts)
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode control for %s: %w", device, err)
	}
	return enc.Bytes(), nil
}

// logController only logs decisions. Useful without a device bridge.
type logController struct {
	states
}

func newLogController() *logController {
	return &logController{states: states{on: make(map[string]bool)}}
}

func (c *logController) Set(device string, on bool) error {
	cclog.ComponentInfo("Controller", fmt.Sprintf("device %s on=%v", device, on))
	c.set(device, on)
	return nil
}

func (c *logController) Close() {}
