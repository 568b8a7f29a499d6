package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/internal/audio"
	"github.com/jonmumm/escuchame2/internal/capture"
	"github.com/jonmumm/escuchame2/internal/client"
	"github.com/jonmumm/escuchame2/internal/config"
	"github.com/jonmumm/escuchame2/internal/logging"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	config.LoadDotEnv(bootstrap)

	cfg, err := config.LoadClient()
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		bootstrap.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(cfg.ServerURL)
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	} else {
		userID, err := api.Guest(ctx, cfg.UserName)
		if err != nil {
			logger.Fatal("Failed to get a guest token", zap.Error(err))
		}
		logger.Info("Signed in as guest", zap.String("userID", userID))
	}

	conversationID := cfg.ConversationID
	if conversationID == "" {
		view, err := api.Create(ctx, client.NewConversation{
			Type:           cfg.Scenario,
			Prompt:         cfg.Prompt,
			NativeLanguage: cfg.NativeLanguage,
			TargetLanguage: cfg.TargetLanguage,
		})
		if err != nil {
			logger.Fatal("Failed to create conversation", zap.Error(err))
		}
		conversationID = view.Public.ID
		logger.Info("Conversation created",
			zap.String("conversationID", conversationID),
			zap.String("title", view.Public.Title))
	}

	opener := audio.CommandOpener(cfg.CaptureCommand)
	if cfg.CaptureFile != "" {
		opener = audio.FileOpener(cfg.CaptureFile)
	}

	// The engine reports to the controller, which is built around the engine.
	var ctrl *client.Controller
	engine, err := capture.NewEngine(capture.Config{
		Platform: audio.NewPCMPlatform(opener, logger),
		Encoders: audio.OpusEncoderFactory{Bitrate: cfg.Bitrate},
		Prober:   audio.OggOpusProber{},
		Listener: func(ev capture.Event) {
			if ctrl != nil {
				ctrl.OnCapture(ev)
			}
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create capture engine", zap.Error(err))
	}

	ctrl, err = client.NewController(client.ControllerConfig{
		Recorder: engine,
		Audio:    api,
		Player:   client.NewPlayer(cfg.PlaybackCommand),
		Renderer: client.NewRenderer(os.Stdout, true),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create controller", zap.Error(err))
	}
	defer ctrl.Close()

	wsURL, err := api.WebSocketURL(conversationID)
	if err != nil {
		logger.Fatal("Invalid server URL", zap.Error(err))
	}
	conn, err := client.Dial(ctx, wsURL, api.Token(), ctrl.OnView, logger)
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer conn.Close()
	ctrl.Attach(conn)

	if err := ctrl.Ready(ctx); err != nil {
		logger.Warn("READY failed", zap.Error(err))
	}

	if err := ctrl.Run(ctx, os.Stdin, conn.Done()); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Error("Client stopped", zap.Error(err))
	}
}
