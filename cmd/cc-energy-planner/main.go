// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-energy-planner.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ClusterCockpit/cc-energy-planner/internal/api"
	"github.com/ClusterCockpit/cc-energy-planner/internal/controller"
	dmanager "github.com/ClusterCockpit/cc-energy-planner/internal/devicemanager"
	"github.com/ClusterCockpit/cc-energy-planner/internal/entsoe"
	"github.com/ClusterCockpit/cc-energy-planner/internal/fmi"
	"github.com/ClusterCockpit/cc-energy-planner/internal/metrics"
	"github.com/ClusterCockpit/cc-energy-planner/internal/restarter"
	cfg "github.com/ClusterCockpit/cc-lib/ccConfig"
	cclog "github.com/ClusterCockpit/cc-lib/ccLogger"
	lp "github.com/ClusterCockpit/cc-lib/ccMessage"
	"github.com/ClusterCockpit/cc-lib/receivers"
	"github.com/ClusterCockpit/cc-lib/sinks"
)

type RuntimeConfig struct {
	SinkManager    sinks.SinkManager
	ReceiveManager receivers.ReceiveManager
	DevManager     dmanager.DeviceManager
	Controller     controller.Controller
	API            *api.Server
	Restarters     []*restarter.Restarter
	Sync           sync.WaitGroup
}

var (
	flagLogDateTime              bool
	flagConfigFile, flagLogLevel string
)

func ReadCli() {
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to configuration file")
	flag.StringVar(&flagLogLevel, "loglevel", "warn", "Sets the logging level: `[debug,info,warn (default),err,fatal,crit]`")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.Parse()
}

// General shutdownHandler function that gets executed in case of interrupt or graceful shutdownHandler
func shutdownHandler(config *RuntimeConfig, shutdownSignal chan os.Signal) {
	defer config.Sync.Done()

	<-shutdownSignal
	// Remove shutdown handler
	// every additional interrupt signal will stop without cleaning up
	signal.Stop(shutdownSignal)

	cclog.Info("Shutdown...")

	for _, r := range config.Restarters {
		r.Close()
	}
	if config.API != nil {
		cclog.Debug("Shutdown API...")
		config.API.Close()
	}
	if config.ReceiveManager != nil {
		cclog.Debug("Shutdown ReceiveManager...")
		config.ReceiveManager.Close()
	}
	if config.DevManager != nil {
		cclog.Debug("Shutdown DeviceManager...")
		config.DevManager.Close()
	}
	if config.SinkManager != nil {
		cclog.Debug("Shutdown SinkManager...")
		config.SinkManager.Close()
	}
	if config.Controller != nil {
		cclog.Debug("Shutdown Controller...")
		config.Controller.Close()
	}
}

// restartConfig returns the restart policy nested in a fetcher config.
func restartConfig(raw json.RawMessage) json.RawMessage {
	c := struct {
		Restart json.RawMessage `json:"restart"`
	}{}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	return c.Restart
}

func startFetchers(rcfg *RuntimeConfig) error {
	if raw := cfg.GetPackageConfig("entsoe"); raw != nil {
		client, err := entsoe.New(raw)
		if err != nil {
			return err
		}
		r, err := restarter.New("entsoe", restartConfig(raw))
		if err != nil {
			return err
		}
		rcfg.Restarters = append(rcfg.Restarters, r)
		// plan with prices from the first tick on
		err = r.ExecuteAndWait(func(ctx context.Context) (time.Time, error) {
			return rcfg.DevManager.UpdatePrices(ctx, client)
		})
		if err != nil {
			cclog.Warnf("Initial price fetch failed, retrying: %v", err)
		}
	} else {
		cclog.Warn("No price configuration, planning without prices")
	}

	if raw := cfg.GetPackageConfig("fmi"); raw != nil {
		client, err := fmi.New(raw)
		if err != nil {
			return err
		}
		r, err := restarter.New("fmi", restartConfig(raw))
		if err != nil {
			return err
		}
		rcfg.Restarters = append(rcfg.Restarters, r)
		err = r.ExecuteAndWait(func(ctx context.Context) (time.Time, error) {
			return rcfg.DevManager.UpdateWeather(ctx, client)
		})
		if err != nil {
			cclog.Warnf("Initial forecast fetch failed, retrying: %v", err)
		}
	} else {
		cclog.Warn("No forecast configuration, planning needs measured weather samples")
	}
	return nil
}

func mainFunc() int {
	var err error

	// Initialize runtime configuration
	rcfg := RuntimeConfig{
		SinkManager:    nil,
		ReceiveManager: nil,
		DevManager:     nil,
	}

	ReadCli()
	// Initialize ccLogger
	cclog.Init(flagLogLevel, flagLogDateTime)

	// Load configuration
	cfg.Init(flagConfigFile)

	// Create new sink
	if cfg := cfg.GetPackageConfig("sinks"); cfg != nil {
		rcfg.SinkManager, err = sinks.New(&rcfg.Sync, cfg)
		if err != nil {
			cclog.Error(err.Error())
			return 1
		}
	} else {
		cclog.Error("Sink configuration must be present")
		return 1
	}

	// Create new receive manager
	if cfg := cfg.GetPackageConfig("receivers"); cfg != nil {
		rcfg.ReceiveManager, err = receivers.New(&rcfg.Sync, cfg)
		if err != nil {
			cclog.Error(err.Error())
			return 1
		}
	} else {
		cclog.Error("Receiver configuration must be present")
		return 1
	}

	rcfg.Controller, err = controller.New(cfg.GetPackageConfig("controller"))
	if err != nil {
		cclog.Error(err.Error())
		return 1
	}

	m := metrics.New()
	if cfg := cfg.GetPackageConfig("planner"); cfg != nil {
		rcfg.DevManager, err = dmanager.NewDeviceManager(cfg, rcfg.Controller, m)
		if err != nil {
			cclog.Error(err.Error())
			return 1
		}
	} else {
		cclog.Error("Planner configuration must be present")
		return 1
	}

	if cfg := cfg.GetPackageConfig("api"); cfg != nil {
		rcfg.API, err = api.New(cfg, rcfg.DevManager, m)
		if err != nil {
			cclog.Error(err.Error())
			return 1
		}
	}

	// Create shutdown handler
	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt)
	signal.Notify(shutdownSignal, syscall.SIGTERM)
	rcfg.Sync.Add(1)
	go shutdownHandler(&rcfg, shutdownSignal)

	ReceiversToDeviceManagerChannel := make(chan lp.CCMessage, 200)
	DeviceManagerToSinksChannel := make(chan lp.CCMessage, 200)

	rcfg.SinkManager.AddInput(DeviceManagerToSinksChannel)
	rcfg.DevManager.AddOutput(DeviceManagerToSinksChannel)
	rcfg.ReceiveManager.AddOutput(ReceiversToDeviceManagerChannel)
	rcfg.DevManager.AddInput(ReceiversToDeviceManagerChannel)

	// Start the managers
	rcfg.SinkManager.Start()
	rcfg.ReceiveManager.Start()
	rcfg.DevManager.Start()
	if rcfg.API != nil {
		rcfg.API.Start()
	}
	exitCode := 0
	if err := startFetchers(&rcfg); err != nil {
		cclog.Error(err.Error())
		exitCode = 1
		shutdownSignal <- syscall.SIGTERM
	}

	// Wait that all goroutines finish
	rcfg.Sync.Wait()

	return exitCode
}

func main() {
	exitCode := mainFunc()
	os.Exit(exitCode)
}
