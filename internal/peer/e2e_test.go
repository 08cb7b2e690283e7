package peer_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/meshtalk/signaling/internal/config"
	"github.com/meshtalk/signaling/internal/media"
	"github.com/meshtalk/signaling/internal/metrics"
	"github.com/meshtalk/signaling/internal/peer"
	"github.com/meshtalk/signaling/internal/relay"
	"github.com/meshtalk/signaling/internal/sigclient"
)

// Two clients join the same room through an in-process relay and complete the
// whole offer/answer/ICE exchange over a virtual network.
func TestE2E_TwoClientsReachConnected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e negotiation in short mode")
	}

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	relayCfg := config.Config{
		Mode:                       config.ModeDev,
		SignalWSIdleTimeout:        30 * time.Second,
		SignalWSPingInterval:       10 * time.Second,
		MaxSignalMessageBytes:      256 * 1024,
		MaxSignalMessagesPerSecond: 500,
		SignalSendQueueDepth:       64,
	}
	mux := http.NewServeMux()
	mux.Handle("GET /signal", relay.NewServer(relayCfg, discard, metrics.New()))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	lf := logging.NewDefaultLoggerFactory()

	startClient := func(name string, n *vnet.Net) (*peer.Session, *sigclient.Client, chan media.TransportState) {
		audio, err := media.NewStaticRTPTrack(media.TrackKindAudio, "audio-"+name, name)
		if err != nil {
			t.Fatalf("%s: new audio track: %v", name, err)
		}

		states := make(chan media.TransportState, 16)
		session := peer.NewSession(peer.SessionConfig{
			Capture: func(context.Context) (media.Capture, error) {
				return media.NewStaticCapture(audio), nil
			},
			Factory: func() (media.Transport, error) {
				return media.NewPionTransport(media.PionConfig{
					LoggerFactory: lf,
					Net:           n,
				})
			},
			Logger: discard,
			OnPeerState: func(_ string, s media.TransportState) {
				states <- s
			},
		})

		client := sigclient.New(wsURL, session, sigclient.Options{Logger: discard})
		t.Cleanup(func() { _ = client.Close() })

		return session, client, states
	}

	sessionA, clientA, statesA := startClient("a", netA)
	sessionB, clientB, statesB := startClient("b", netB)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sessionA.Start(ctx, clientA, "e2e"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	t.Cleanup(func() { sessionA.Stop(context.Background()) })

	if err := sessionB.Start(ctx, clientB, "e2e"); err != nil {
		t.Fatalf("start B: %v", err)
	}
	t.Cleanup(func() { sessionB.Stop(context.Background()) })

	waitConnected := func(name string, states chan media.TransportState) {
		deadline := time.After(30 * time.Second)
		for {
			select {
			case s := <-states:
				if s == media.TransportConnected {
					return
				}
			case <-deadline:
				t.Fatalf("%s never reached connected", name)
			}
		}
	}

	waitConnected("A", statesA)
	waitConnected("B", statesB)
}
