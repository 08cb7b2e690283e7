// Command signal-client-go is a headless test client for local end-to-end
// runs: it joins a room on a running relay, negotiates with every member it
// meets, and logs stream and connection-state events. Run two instances
// against one relay to watch a full offer/answer/ICE exchange.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/meshtalk/signaling/internal/media"
	"github.com/meshtalk/signaling/internal/peer"
	"github.com/meshtalk/signaling/internal/sigclient"
)

func main() {
	relayURL := envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8787/signal")
	room := envOrDefault("ROOM", "e2e")
	runFor := envDurationOrDefault("RUN_FOR", 0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	audio, err := media.NewStaticRTPTrack(media.TrackKindAudio, "audio", "e2e-client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create audio track: %v\n", err)
		os.Exit(2)
	}

	session := peer.NewSession(peer.SessionConfig{
		Capture: func(context.Context) (media.Capture, error) {
			return media.NewStaticCapture(audio), nil
		},
		Factory: func() (media.Transport, error) {
			return media.NewPionTransport(media.PionConfig{})
		},
		Logger: logger,
		OnStream: func(e peer.StreamEvent) {
			who := e.ConnectionID
			if who == "" {
				who = "local"
			}
			logger.Info("stream", "from", who, "tracks", len(e.Stream.Tracks()))
		},
		OnPeerState: func(id string, s media.TransportState) {
			logger.Info("peer state", "peer", id, "state", s)
		},
	})

	client := sigclient.New(relayURL, session, sigclient.Options{Logger: logger})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = session.Start(startCtx, client, room)
	cancel()
	if err != nil {
		logger.Error("start session", "err", err)
		os.Exit(1)
	}
	logger.Info("joined", "room", room, "connection_id", client.ConnectionID(), "relay", relayURL)

	if runFor > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(runFor):
		}
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session.Stop(stopCtx)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
