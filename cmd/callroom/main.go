package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/call"
	"github.com/immxrtalbeast/teleconsult/internal/config"
	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/internal/signalclient"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
	"github.com/immxrtalbeast/teleconsult/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const dialTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callroom",
		Short:        "Headless teleconsultation call participant",
		SilenceUsage: true,
	}
	root.AddCommand(newJoinCmd())
	return root
}

type joinOptions struct {
	configPath string
	record     bool
	audioFile  string
	videoFile  string
}

func newJoinCmd() *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a call room, starting it when nobody is there yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", envOr("CONFIG_PATH", "config/local.yaml"), "path to config file")
	cmd.Flags().BoolVar(&opts.record, "record", false, "record the call audio once connected")
	cmd.Flags().StringVar(&opts.audioFile, "audio", "", "Ogg/Opus file used as the microphone")
	cmd.Flags().StringVar(&opts.videoFile, "video", "", "IVF/VP8 file used as the camera")

	return cmd
}

func runJoin(ctx context.Context, room string, opts joinOptions) error {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadPath(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.audioFile != "" {
		cfg.Call.AudioFile = opts.audioFile
	}
	if opts.videoFile != "" {
		cfg.Call.VideoFile = opts.videoFile
	}

	log := setupLogger(cfg.Env).With(slog.String("room", room))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	channel, err := signalclient.Dial(dialCtx, cfg.Call.ServerURL, log)
	cancel()
	if err != nil {
		return err
	}
	defer channel.Close()

	newPeer, err := call.NewPionFactory(call.PeerConfig{
		ICEServers: call.ICEServers(cfg.WebRTC.STUNServers, cfg.WebRTC.TURNServers, cfg.WebRTC.TURNUsername, cfg.WebRTC.TURNPassword),
	})
	if err != nil {
		return err
	}

	alerts := &alertLog{queue: call.NewAlertQueue(cfg.Call.AlertTTL, nil), log: log}
	defer alerts.queue.Close()

	connected := make(chan struct{}, 1)
	view := call.NewRoomView(call.SessionConfig{
		Room:      room,
		RoomsPath: cfg.Signaling.RoomsPath,
		Channel:   channel,
		NewPeer:   newPeer,
		Devices: call.FileDevices{
			AudioPath: cfg.Call.AudioFile,
			VideoPath: cfg.Call.VideoFile,
			Log:       log,
		},
		Alerts:             alerts,
		Artifacts:          call.DirStore{Dir: cfg.Call.RecordingsDir},
		RecordingTimeslice: cfg.Call.RecordingTimeslice,
		AnswerTimeout:      cfg.Call.AnswerTimeout,
		OnStateChange: func(st call.State) {
			log.Info("call state", slog.String("state", st.String()))
			if st == call.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		OnDuration: func(seconds int, formatted string) {
			if seconds%10 == 0 {
				log.Info("call duration", slog.String("elapsed", formatted))
			}
		},
		OnClosed: func(reason call.CloseReason) {
			log.Info("call closed", slog.String("reason", string(reason)))
		},
		Log: log,
	}, call.NewMemoryStatus(domain.CallStatusAccepted), navigatorFunc(func(route string) {
		log.Debug("navigate", slog.String("route", route))
	}))

	session, err := view.Enter(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-connected:
			if !opts.record || session.Recording() {
				continue
			}
			if _, err := session.StartRecording(ctx); err != nil {
				log.Warn("start recording", sl.Err(err))
			}
		case <-channel.Done():
			log.Warn("signaling connection lost")
			view.Leave()
			return nil
		case <-ctx.Done():
			view.Leave()
			return nil
		case <-session.Done():
			return nil
		}
	}
}

// alertLog mirrors the in-call alert queue into the log.
type alertLog struct {
	queue *call.AlertQueue
	log   *slog.Logger
}

func (a *alertLog) Push(message string, severity call.Severity) string {
	level := slog.LevelInfo
	switch severity {
	case call.SeverityWarning:
		level = slog.LevelWarn
	case call.SeverityError:
		level = slog.LevelError
	}
	a.log.Log(context.Background(), level, message, slog.String("severity", string(severity)))
	return a.queue.Push(message, severity)
}

type navigatorFunc func(route string)

func (f navigatorFunc) Navigate(route string) { f(route) }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case "dev":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case "prod":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug},
	}
	return slog.New(opts.NewPrettyHandler(os.Stdout))
}
