package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/fragnet/internal/config"
	"github.com/blukai/fragnet/internal/eventfeed"
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/headless"
	"github.com/blukai/fragnet/internal/host"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/blukai/fragnet/internal/transport/enettransport"
	"github.com/blukai/fragnet/internal/transport/udptransport"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

func configureLogger(level log.Level) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = level
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}
	if err := cfg.CheckMode(config.ModeHost); err != nil {
		return err
	}

	logger := configureLogger(cfg.LoggerLevel())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transportRunErr error
	listen := func() (transport.Server, error) {
		if cfg.Transport == config.TransportENet {
			return enettransport.NewServer(cfg.Addr, enettransport.Options{
				Options:   cfg.TransportOptions(),
				PeerCount: uint64(cfg.MaxPlayers),
			}, logger)
		}

		server, err := udptransport.NewServer("udp4", cfg.Addr, udptransport.Options{
			Options:      cfg.TransportOptions(),
			ConnectRate:  rate.Limit(cfg.ConnectRate),
			ConnectBurst: cfg.ConnectBurst,
		}, logger)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			transportRunErr = server.Run(ctx)
		}()
		return server, nil
	}

	observers := game.Observers{headless.LogObserver(logger)}
	var sink game.StatusSink
	var feedServer *http.Server
	if cfg.FeedAddr != "" {
		hub := eventfeed.NewHub(0, logger)
		defer hub.Close()
		observers = append(observers, hub)
		sink = hub

		feedServer = &http.Server{Addr: cfg.FeedAddr, Handler: hub}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feedServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Msgf("event feed failed: %v", err)
			}
		}()
		logger.Info().Msgf("serving event feed on %s", cfg.FeedAddr)
	}

	clock := peer.NewClock()
	spawner := headless.NewSpawner()
	h := host.New(listen, host.Options{
		MaxPlayers:  cfg.MaxPlayers,
		LevelName:   cfg.Level,
		StatsResync: cfg.StatsResync,
		Preferences: cfg.Preferences(),
		Spawner:     spawner,
		Observer:    observers,
		Sink:        sink,
		Clock:       clock,
	}, logger)
	if err := h.Start(); err != nil {
		return fmt.Errorf("could not start host: %w", err)
	}
	logger.Info().Msgf("started %s host on %s", cfg.Transport, cfg.Addr)

	autopilot := &headless.Autopilot{
		Peer:  h,
		Bot:   headless.Bot{Radius: 5, Period: 10 * time.Second},
		Clock: clock,
		Local: func() (game.Actor, bool) {
			actor, ok := spawner.Actor(h.LocalID())
			return actor, ok
		},
	}

	tickCtx, tickCancel := context.WithCancel(ctx)
	tickDone := make(chan struct{})
	var peerRunErr error
	go func() {
		defer close(tickDone)
		peerRunErr = peer.Run(tickCtx, autopilot, cfg.TickInterval(), cfg.FrameInterval())
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	}

	tickCancel()
	<-tickDone

	// NOTE(blukai): the tick goroutine is done, so the host can be touched
	// from here. it says bye to everyone before the transport goes down.
	shutdownErr := h.Shutdown()

	cancel()
	if feedServer != nil {
		feedServer.Close()
	}
	wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("could not shut host down: %w", shutdownErr)
	}
	if peerRunErr != nil {
		return fmt.Errorf("host run failed: %w", peerRunErr)
	}
	if transportRunErr != nil {
		return fmt.Errorf("transport run failed: %w", transportRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
