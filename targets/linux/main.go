//go:build linux && !tinygo

// Command clstep-linux runs one closed-loop axis on a Linux board with the
// encoder and driver on spidev. The command link is served over TCP; the
// host tool connects with -device tcp://board:7700.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clstep/axis"
	"clstep/config"
	"clstep/core"
	"clstep/encoder"
	"clstep/host/publish"
	"clstep/tmc"

	"periph.io/x/host/v3"
)

var (
	configPath = flag.String("config", "clstep.json", "Axis configuration (JSON)")
	listen     = flag.String("listen", ":7700", "TCP address serving the command link")
	verbose    = flag.Bool("verbose", false, "Log controller debug output")
)

// exitReset tells the service manager the host asked for a restart
const exitReset = 3

var errResetRequested = errors.New("reset requested")

func main() {
	flag.Parse()
	err := run()
	switch {
	case errors.Is(err, errResetRequested):
		log.Print("restarting on host request")
		os.Exit(exitReset)
	case err != nil:
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		return err
	}
	core.SetDebugWriter(func(msg string) { log.Print(msg) })
	core.SetDebugEnabled(*verbose)

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	hw, closers, err := openHardware(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	a, err := axis.New(cfg, hw)
	if err != nil {
		return err
	}
	if err := a.Init(); err != nil {
		log.Printf("axis %s init: %v", cfg.Name, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go runClock(ctx, a, cancel)

	pub, err := openPublishers(cfg)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
		go publishStatus(ctx, a, pub, time.Duration(cfg.Status.PublishIntervalMS)*time.Millisecond)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	go serveLink(ln, a)
	log.Printf("axis %s: %s encoder, command link on %s", cfg.Name, cfg.Encoder.Type, ln.Addr())

	a.Run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, errResetRequested) {
		return cause
	}
	return nil
}

func openHardware(cfg *config.MachineConfig) (axis.Hardware, []io.Closer, error) {
	var hw axis.Hardware
	var closers []io.Closer
	fail := func(err error) (axis.Hardware, []io.Closer, error) {
		for _, c := range closers {
			c.Close()
		}
		return axis.Hardware{}, nil, err
	}

	switch cfg.EncoderType() {
	case encoder.TypeAS5047:
		dev, c, err := openSPI(cfg.Encoder.SPIPort, cfg.Encoder.SPIRate, encoder.AS5047SPIMode,
			cfg.Encoder.CSPin, cfg.Encoder.CSActiveHigh)
		if err != nil {
			return fail(fmt.Errorf("encoder: %w", err))
		}
		closers = append(closers, c)
		hw.EncoderSPI = dev
		if cfg.Encoder.LUTPath != "" {
			hw.LUTStore = &encoder.FileLUTStore{Path: cfg.Encoder.LUTPath}
		}
	case encoder.TypeQuadrature:
		return fail(errors.New("encoder: quadrature needs a hardware counter, not available on Linux"))
	}

	if cfg.Driver.SPIPort != "" {
		dev, c, err := openSPI(cfg.Driver.SPIPort, cfg.Driver.SPIRate, core.SPIMode(tmc.SPIMode),
			cfg.Driver.CSPin, false)
		if err != nil {
			return fail(fmt.Errorf("driver: %w", err))
		}
		closers = append(closers, c)
		hw.DriverSPI = dev
	}
	return hw, closers, nil
}

// runClock keeps the protocol clock running and watches for reset
// requests
func runClock(ctx context.Context, a *axis.Axis, cancel context.CancelCauseFunc) {
	start := time.Now()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			us := uint64(time.Since(start).Microseconds())
			core.SetTime(uint32(us * core.TimerFreq / 1000000))
			if a.State.ResetRequested() {
				cancel(errResetRequested)
				return
			}
		}
	}
}

// serveLink serves one host connection at a time
func serveLink(ln net.Listener, a *axis.Axis) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		log.Printf("host connected from %s", conn.RemoteAddr())
		link := core.NewLink(a.Registry, conn)
		if err := link.Serve(conn); err != nil && !errors.Is(err, io.EOF) {
			log.Printf("link: %v", err)
		}
		received, writeErrs, cmdErrs := link.Stats()
		log.Printf("host disconnected: %d bytes, %d write errors, %d failed commands",
			received, writeErrs, cmdErrs)
		conn.Close()
	}
}

func openPublishers(cfg *config.MachineConfig) (publish.Publisher, error) {
	var pubs publish.Multi
	if cfg.Status.MQTTBroker != "" {
		m, err := publish.DialMQTT(cfg.Status.MQTTBroker, "clstep-"+cfg.Name, cfg.Status.MQTTTopic)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, m)
	}
	if cfg.Status.WebsocketAddr != "" {
		hub := publish.NewHub()
		mux := http.NewServeMux()
		mux.Handle("/status", hub)
		srv := &http.Server{Addr: cfg.Status.WebsocketAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status websocket: %v", err)
			}
		}()
		pubs = append(pubs, hub, serverCloser{srv})
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}

// serverCloser shuts the websocket server down with the publishers
type serverCloser struct {
	srv *http.Server
}

func (s serverCloser) Publish(v any) error { return nil }
func (s serverCloser) Close()              { s.srv.Close() }

func publishStatus(ctx context.Context, a *axis.Axis, pub publish.Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pub.Publish(a.Status()); err != nil {
				log.Printf("publish status: %v", err)
			}
		}
	}
}
