package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/api"
	"github.com/yourusername/debate-voice/internal/audio"
	"github.com/yourusername/debate-voice/internal/auth"
	"github.com/yourusername/debate-voice/internal/config"
	"github.com/yourusername/debate-voice/internal/protocol"
	"github.com/yourusername/debate-voice/internal/rest"
	"github.com/yourusername/debate-voice/internal/room"
	"github.com/yourusername/debate-voice/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	roomID := flag.String("room", "", "Join an existing debate room by id")
	topicID := flag.Int("topic", 0, "Create a room for this topic id")
	stance := flag.String("stance", "for", "Your stance when creating a room: for or against")
	flag.Parse()

	// .env can supply DEBATE_USERNAME / DEBATE_PASSWORD so credentials stay
	// out of the yaml file.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.Client.Debug)
	defer logger.Sync()

	logger.Info("starting debate voice client",
		zap.String("server", cfg.Server.URL),
		zap.String("api", cfg.Client.APIBindAddress))

	username := envOr("DEBATE_USERNAME", cfg.Auth.Username)
	password := envOr("DEBATE_PASSWORD", cfg.Auth.Password)

	tokens := auth.NewProvider()
	apiClient := rest.NewClient(cfg.Server.APIURL, tokens, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := apiClient.Login(ctx, username, password); err != nil {
		cancel()
		logger.Fatal("login failed", zap.Error(err))
	}

	target, err := resolveRoom(ctx, apiClient, cfg, *roomID, *topicID, *stance)
	cancel()
	if err != nil {
		logger.Fatal("room setup failed", zap.Error(err))
	}
	logger.Info("joining room",
		zap.String("roomID", target.ID),
		zap.String("topic", target.Topic.Title),
		zap.String("status", target.Status))

	playback, err := audio.NewQueue(logger)
	if err != nil {
		logger.Fatal("failed to open playback device", zap.Error(err))
	}
	defer playback.Close()

	// The room is created after the channel, so the message handler binds
	// late through this pointer.
	var debateRoom *room.Room

	channel := transport.New(cfg.Server.URL, transport.Options{
		ReconnectDelay:    cfg.ReconnectDelay(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, logger, func(state transport.State, reason string) {
		if reason != "" {
			logger.Warn("connection state", zap.String("state", state.String()), zap.String("reason", reason))
		} else {
			logger.Info("connection state", zap.String("state", state.String()))
		}
	}, func(env protocol.Envelope) {
		if debateRoom != nil {
			debateRoom.HandleMessage(env)
		}
	})

	capturer, err := audio.NewCapturer(cfg.Audio.DeviceName,
		func(chunk []byte) { debateRoom.UplinkChunk(chunk) },
		func(level int) { debateRoom.SetMicLevel(level) },
		logger)
	if err != nil {
		logger.Fatal("failed to open capture device", zap.Error(err))
	}
	defer capturer.Close()

	debateRoom = room.New(channel, capturer, playback, nil, logger)

	if err := debateRoom.Join(target.ID); err != nil {
		logger.Fatal("failed to join room", zap.Error(err))
	}

	controlAPI := api.New(cfg.Client.APIBindAddress, debateRoom, logger)
	go func() {
		if err := controlAPI.Start(); err != nil {
			logger.Fatal("control API failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	debateRoom.Leave()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := controlAPI.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown", zap.Error(err))
	}
}

// resolveRoom either fetches the requested room or creates a fresh one for
// the given topic.
func resolveRoom(ctx context.Context, c *rest.Client, cfg *config.Config, roomID string, topicID int, stance string) (*rest.Room, error) {
	if roomID != "" {
		return c.GetRoom(ctx, roomID)
	}
	if topicID == 0 {
		topics, err := c.ListTopics(ctx)
		if err != nil {
			return nil, err
		}
		if len(topics) == 0 {
			return nil, fmt.Errorf("no debate topics available")
		}
		topicID = topics[0].ID
	}
	return c.CreateRoom(ctx, rest.CreateRoomRequest{
		TopicID:    topicID,
		UserStance: stance,
		Language:   cfg.Debate.Language,
		AISpeaker:  cfg.Debate.AISpeaker,
	})
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
