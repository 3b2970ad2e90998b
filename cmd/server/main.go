package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/meshcall/internal/adapters/http"
	signaling "github.com/dkeye/meshcall/internal/adapters/signal"
	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/discovery"
	"github.com/dkeye/meshcall/internal/history"
)

const signalPath = "/api/ws/signal"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var file string

	cmd := &cobra.Command{
		Use:          "meshcall-server",
		Short:        "Signaling relay for mesh video calls",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(v, file)
			if err != nil {
				return err
			}
			if cfg.Mode == "release" {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
			if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			} else {
				log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "config", "c", config.ServerFile(), "config file")
	f.IntP("port", "p", 8080, "listen port")
	f.String("mode", "release", "gin mode (debug|release)")
	f.String("static-path", "./web", "directory with the web client")
	f.String("api-key", "", "shared key required to join (empty disables)")
	f.String("log-level", "info", "log level")
	f.Bool("mdns", false, "advertise the relay on the local network")
	f.String("mqtt-broker", "", "MQTT broker for room history events")

	for key, flag := range map[string]string{
		"port":                "port",
		"mode":                "mode",
		"static_path":         "static-path",
		"api_key":             "api-key",
		"log_level":           "log-level",
		"mdns.enabled":        "mdns",
		"history.mqtt.broker": "mqtt-broker",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	sinks := []history.Sink{history.LogSink{}}
	if cfg.History.MQTT.Broker != "" {
		mq, err := history.NewMQTTSink(cfg.History.MQTT.Broker, cfg.History.MQTT.ClientID, cfg.History.MQTT.Topic)
		if err != nil {
			return err
		}
		defer mq.Close()
		sinks = append(sinks, mq)
	}
	events := history.NewDispatcher(cfg.History.Queue, sinks...)

	rooms := app.NewRoomRegistry()
	limiter := app.NewJoinRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)
	relay := app.NewRelay(rooms, app.SimplePolicy{}, events, limiter)
	ctl := signaling.NewSignalWSController(relay, signaling.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		APIKey:     cfg.APIKey,
	})

	r := router.SetupRouter(ctx, cfg, ctl, rooms)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	if cfg.MDNS.Enabled {
		stop, err := discovery.Advertise(cfg.MDNS.Instance, cfg.Port, signalPath)
		if err != nil {
			log.Warn().Err(err).Msg("mdns disabled")
		} else {
			defer stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("meshcall relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	g.Go(func() error {
		events.Run(gctx)
		return nil
	})
	if cfg.JoinRate.Interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.JoinRate.Interval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					limiter.Sweep()
				}
			}
		})
	}

	err := g.Wait()
	log.Info().Msg("Server exited gracefully")
	return err
}
