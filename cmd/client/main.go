package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	runtimedebug "runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/fragnet/internal/client"
	"github.com/blukai/fragnet/internal/config"
	"github.com/blukai/fragnet/internal/eventfeed"
	"github.com/blukai/fragnet/internal/game"
	"github.com/blukai/fragnet/internal/headless"
	"github.com/blukai/fragnet/internal/peer"
	"github.com/blukai/fragnet/internal/transport"
	"github.com/blukai/fragnet/internal/transport/enettransport"
	"github.com/blukai/fragnet/internal/transport/udptransport"
	"github.com/phuslu/log"
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

// maybeDumpStack is not absolutely panic-free, it theoretically may also panic
func maybeDumpStack() {
	r := recover()
	if r == nil {
		return
	}

	dir := filepath.Join(os.TempDir(), "fragnet-crashes")
	if err := os.MkdirAll(dir, 0o755); err == nil {
		filename := filepath.Join(dir, "client-"+time.Now().UTC().Format(time.RFC3339)+".txt")
		os.WriteFile(filename, runtimedebug.Stack(), 0o644)
	}

	panic(r)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

func erringMain() error {
	defer maybeDumpStack()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}
	if err := cfg.CheckMode(config.ModeClient); err != nil {
		return err
	}

	host, port, err := splitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("could not parse address: %w", err)
	}

	logger := configureLogger(cfg.LoggerLevel())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tr transport.Client
	var transportRunErr error
	switch cfg.Transport {
	case config.TransportENet:
		tr, err = enettransport.NewClient(enettransport.Options{Options: cfg.TransportOptions()}, logger)
		if err != nil {
			return fmt.Errorf("could not construct enet client: %w", err)
		}
	default:
		udpClient, err := udptransport.NewClient("udp4", udptransport.Options{Options: cfg.TransportOptions()}, logger)
		if err != nil {
			return fmt.Errorf("could not construct udp client: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			transportRunErr = udpClient.Run(ctx)
		}()
		tr = udpClient
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
	loader := headless.NewLevelLoader(nil)
	c := client.New(tr, client.Options{
		Preferences:        cfg.Preferences(),
		InterpolationDelay: cfg.InterpolationDelay,
		Spawner:            spawner,
		LevelLoader:        loader,
		Observer:           observers,
		Sink:               sink,
		Clock:              clock,
	}, logger)
	loader.OnReady(c.LevelLoaded)

	if err := c.Connect(host, port); err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	autopilot := &headless.Autopilot{
		Peer:  c,
		Bot:   headless.Bot{Radius: 3, Period: 7 * time.Second},
		Clock: clock,
		Local: func() (game.Actor, bool) {
			id, ok := c.PlayerID()
			if !ok {
				return nil, false
			}
			actor, ok := spawner.Actor(id)
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
	case <-tickDone:
		logger.Info().Msg("connection is gone")
	}

	tickCancel()
	<-tickDone

	shutdownErr := c.Shutdown()

	cancel()
	if feedServer != nil {
		feedServer.Close()
	}
	wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("could not shut client down: %w", shutdownErr)
	}
	if peerRunErr != nil {
		return fmt.Errorf("client run failed: %w", peerRunErr)
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
