// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
)

func TestEncodeControl(t *testing.T) {
	msg, err := encodeControl("power", "room1", true, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	want := `power,hostname=room1,method=PUT,type=node,type-id=0 value="1" 1700000000`
	if strings.TrimSpace(string(msg)) != want {
		t.Errorf("expected %q, got %q", want, string(msg))
	}
}

func TestNatsSet(t *testing.T) {
	cclog.Init("debug", false)
	var subject string
	var data []byte
	c := &natsController{
		states:      states{on: make(map[string]bool)},
		subject:     "controls",
		controlName: "power",
		publish: func(s string, d []byte) error {
			subject, data = s, d
			return nil
		},
	}

	if _, ok := c.State("room1"); ok {
		t.Errorf("state known before first set")
	}
	if err := c.Set("room1", false); err != nil {
		t.Fatal(err)
	}
	if subject != "controls" || len(data) == 0 {
		t.Errorf("nothing published")
	}
	if on, ok := c.State("room1"); !ok || on {
		t.Errorf("expected room1 off, got %v %v", on, ok)
	}

	c.publish = func(string, []byte) error { return errors.New("no responders") }
	if err := c.Set("room1", true); err == nil {
		t.Errorf("expected publish error")
	}
	if on, _ := c.State("room1"); on {
		t.Errorf("failed set must not change state")
	}
	c.Close()
}

func TestLogController(t *testing.T) {
	cclog.Init("debug", false)
	c, err := New(json.RawMessage(`{"type": "log"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set("room1", true); err != nil {
		t.Fatal(err)
	}
	if on, ok := c.State("room1"); !ok || !on {
		t.Errorf("expected room1 on")
	}
	c.Close()

	if _, err := New(json.RawMessage(`{"type": "zigbee"}`)); err == nil {
		t.Errorf("expected error for unknown controller")
	}
}
