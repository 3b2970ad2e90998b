package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/adapters/relayclient"
	"github.com/dkeye/meshcall/internal/adapters/rtc"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/discovery"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/dkeye/meshcall/internal/wire"
)

const discoverTimeout = 3 * time.Second

type options struct {
	file       string
	shareAfter time.Duration
	shareFor   time.Duration
	muteAudio  bool
	cameraOff  bool
	chat       string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var opts options

	cmd := &cobra.Command{
		Use:          "meshpeer",
		Short:        "Headless mesh call participant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(v, opts.file)
			if err != nil {
				return err
			}
			if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "config", "c", config.ClientFile(), "config file")
	f.DurationVar(&opts.shareAfter, "share-screen-after", 0, "switch outgoing video to a screen source after this delay")
	f.DurationVar(&opts.shareFor, "share-screen-for", 0, "switch back to the camera after sharing this long (0 shares until exit)")
	f.BoolVar(&opts.muteAudio, "mute", false, "join with the microphone muted")
	f.BoolVar(&opts.cameraOff, "camera-off", false, "join with the camera turned off")
	f.StringVar(&opts.chat, "say", "", "chat message to send after joining")
	f.StringP("relay-url", "u", "ws://localhost:8080/api/ws/signal", "relay signaling endpoint")
	f.StringP("room", "r", "", "room key or page URL (empty mints a new one)")
	f.StringP("name", "n", "", "display name (empty picks a random one)")
	f.String("codec", "json", "wire codec (json|msgpack)")
	f.String("api-key", "", "relay API key")
	f.Bool("media", true, "send synthetic audio and video (false joins receive-only)")
	f.Bool("discover", false, "find the relay with mDNS instead of --relay-url")
	f.String("log-level", "info", "log level")

	for key, flag := range map[string]string{
		"relay_url":     "relay-url",
		"room":          "room",
		"name":          "name",
		"codec":         "codec",
		"api_key":       "api-key",
		"media.enabled": "media",
		"discover":      "discover",
		"log_level":     "log-level",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, cfg *config.ClientConfig, opts options) error {
	if cfg.Discover {
		u, err := discovery.Browse(ctx, discoverTimeout)
		if err != nil {
			return err
		}
		cfg.RelayURL = u
	}

	room := cfg.Room
	if room == "" {
		room = string(domain.NewRoomKey())
		log.Info().Str("module", "meshpeer").Str("room", room).Msg("minted room key")
	}
	name, err := domain.NewDisplayName(cfg.Name)
	if err != nil {
		name = domain.RandomDisplayName()
	}
	codec := wire.JSON
	if cfg.Codec == "msgpack" {
		codec = wire.Msgpack
	}

	factory, err := rtc.NewFactory(rtc.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	client, err := relayclient.Dial(ctx, relayclient.Options{
		URL:    cfg.RelayURL,
		APIKey: cfg.APIKey,
		Codec:  codec,
		OnChat: func(from domain.MemberID, name, text string) {
			log.Info().Str("module", "meshpeer").Str("from", string(from)).Str("name", name).Msg(text)
		},
		OnError: func(err error) {
			var rerr *relayclient.RelayError
			if errors.Is(err, mesh.ErrRelayRejected) || (errors.As(err, &rerr) && rerr.Code == wire.CodeUnauthorized) {
				cancel(err)
			}
		},
	})
	if err != nil {
		return err
	}

	orch := mesh.New(factory, client, logPresenter{}, mesh.Config{
		ICEServers: rtc.ICEServers(cfg.ICEServers),
		Name:       name,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return client.Run(gctx, orch) })
	g.Go(func() error {
		// denial is reported by the presenter; the call goes on receive-only
		acq := rtc.SyntheticAcquirer{Deny: !cfg.Media.Enabled}
		_ = orch.AcquireLocalMedia(gctx, acq, core.MediaConstraints{Audio: true, Video: true})
		if err := applyToggles(orch, opts); err != nil {
			return err
		}
		log.Info().Str("module", "meshpeer").Str("room", room).Str("name", string(name)).Msg("joining")
		if err := client.Join(room); err != nil {
			return err
		}
		if opts.chat != "" {
			if err := client.Chat(string(name), opts.chat); err != nil {
				log.Warn().Err(err).Str("module", "meshpeer").Msg("chat")
			}
		}
		if opts.shareAfter > 0 {
			return shareScreen(gctx, orch, opts.shareAfter, opts.shareFor)
		}
		return nil
	})

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func applyToggles(orch *mesh.Orchestrator, opts options) error {
	if opts.muteAudio {
		if err := orch.SetMuted(webrtc.RTPCodecTypeAudio, true); err != nil {
			return err
		}
	}
	if opts.cameraOff {
		if err := orch.SetMuted(webrtc.RTPCodecTypeVideo, true); err != nil {
			return err
		}
	}
	return nil
}

// shareScreen swaps outgoing video to a screen source after a delay and,
// when d is set, back to the camera once d has passed.
func shareScreen(ctx context.Context, orch *mesh.Orchestrator, after, d time.Duration) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(after):
	}
	src, err := rtc.NewScreenSource(ctx)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := orch.ReplaceOutgoingVideo(src); err != nil {
		if errors.Is(err, mesh.ErrChannelClosed) {
			return nil
		}
		return err
	}

	var stop <-chan time.Time
	if d > 0 {
		stop = time.After(d)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-stop:
	}
	if err := orch.RestoreCameraVideo(); err != nil && !errors.Is(err, mesh.ErrChannelClosed) {
		return err
	}
	log.Info().Str("module", "meshpeer").Msg("screen share stopped")
	return nil
}
