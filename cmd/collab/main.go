package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomnet/internal/client"
	"roomnet/internal/core/domain"
	signalinfra "roomnet/internal/infrastructure/signal"
	webrtcinfra "roomnet/internal/infrastructure/webrtc"
	"roomnet/pkg/config"
	"roomnet/pkg/logger"
	"roomnet/pkg/retry"
	"roomnet/pkg/utils"
)

type chatMessage struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		username   = flag.String("username", "", "display name (required)")
		createName = flag.String("create", "", "create a room with this name")
		joinID     = flag.String("join", "", "join the room with this id")
		maxPlayers = flag.Int("max-players", 0, "room capacity when creating (0 = default)")
	)
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "missing -username")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var iceServers []webrtcinfra.ICEServerConfig
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtcinfra.ICEServerConfig{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	orch := client.NewOrchestrator(
		client.NewRoomAPI(cfg.Client.APIBaseURL, log),
		webrtcinfra.NewPionFactory(iceServers),
		client.OrchestratorConfig{
			Signal: signalinfra.ClientConfig{
				URL:          cfg.Client.SignalURL,
				PingInterval: cfg.Signal.PingInterval,
				WriteTimeout: cfg.Signal.WriteTimeout,
				Reconnect: retry.Config{
					Enabled:      true,
					MaxAttempts:  cfg.Reconnect.MaxAttempts,
					InitialDelay: cfg.Reconnect.BaseInterval,
					MaxDelay:     cfg.Reconnect.MaxDelay,
					Multiplier:   2.0,
				},
				BackgroundInterval: cfg.Reconnect.BackgroundInterval,
			},
			Manager: webrtcinfra.ManagerConfig{
				NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
			},
		},
		client.NewSessionCache(cfg.Client.SessionCachePath),
		utils.NewSystemClock(),
		log,
	)

	orch.OnEvent(func(event client.Event) {
		switch event.Type {
		case client.EventData:
			data, ok := event.Payload.(client.DataEvent)
			if !ok || data.Channel != webrtcinfra.ChannelChat {
				return
			}
			var msg chatMessage
			if err := json.Unmarshal(data.Data, &msg); err != nil {
				return
			}
			fmt.Printf("[%s] %s\n", msg.Username, msg.Text)
		case client.EventPeerJoined:
			if p, ok := event.Payload.(client.PeerEvent); ok {
				fmt.Printf("* %s joined\n", p.Username)
			}
		case client.EventPeerLeft:
			if p, ok := event.Payload.(client.PeerEvent); ok {
				fmt.Printf("* peer %s left\n", p.PeerID)
			}
		case client.EventRoomClosed:
			fmt.Println("* room closed by owner")
		case client.EventConnectionFailed:
			fmt.Printf("* connection lost: %v\n", event.Payload)
		}
	})

	ctx := context.Background()

	if err := orch.Initialize(ctx); err != nil {
		log.Warnw("session restore failed", "error", err)
	}

	switch {
	case *createName != "":
		room, err := orch.CreateRoom(ctx, *createName, *username, *maxPlayers, nil)
		if err != nil {
			log.Fatalw("failed to create room", "error", err)
		}
		fmt.Printf("created room %s (%s)\n", room.Name, room.ID)

	case *joinID != "":
		room, err := orch.JoinRoom(ctx, domain.RoomID(*joinID), *username)
		if err != nil {
			log.Fatalw("failed to join room", "error", err)
		}
		fmt.Printf("joined room %s (%d players)\n", room.Name, len(room.Players))

	default:
		if orch.CurrentRoom() == nil {
			fmt.Fprintln(os.Stderr, "nothing to do: pass -create or -join, or have a cached session")
			os.Exit(2)
		}
		fmt.Printf("restored session in room %s\n", orch.CurrentRoom().ID)
	}

	// Chat loop: every stdin line is broadcast on the chat channel.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			msg, _ := json.Marshal(chatMessage{
				Username: *username,
				Text:     text,
				SentAt:   time.Now().UnixMilli(),
			})
			if err := orch.Broadcast(webrtcinfra.ChannelChat, msg); err != nil {
				log.Warnw("broadcast failed", "error", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nleaving room...")
	if err := orch.LeaveRoom(ctx); err != nil {
		log.Warnw("error leaving room", "error", err)
	}
}
