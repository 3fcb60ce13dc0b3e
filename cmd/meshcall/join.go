package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/tariel-x/meshcall/internal/negotiator"
	"github.com/tariel-x/meshcall/internal/protocol"
	"github.com/tariel-x/meshcall/internal/signaling"
)

var (
	flagName        string
	flagPublic      bool
	flagRoomName    string
	flagWaitingRoom bool
	flagVerbose     bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and hold mesh connections to its participants",
	Long: `Join connects to the room, creating it if it does not exist yet.
While in the call it prints membership and transport events, relays
chat lines typed on stdin, and accepts a few slash commands:

  /lock            toggle the room lock (host only)
  /waiting         toggle the waiting room (host only)
  /admit <userId>  admit a waiting user (host only)
  /deny <userId>   deny a waiting user (host only)
  /quit            leave the room`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagName, "name", "", "Display name (defaults to a generated one)")
	joinCmd.Flags().BoolVar(&flagPublic, "public", false, "List the room in the public directory when creating it")
	joinCmd.Flags().StringVar(&flagRoomName, "room-name", "", "Room display name when creating it")
	joinCmd.Flags().BoolVar(&flagWaitingRoom, "waiting-room", false, "Enable the waiting room when creating the room")
	joinCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print negotiation and statistics detail")
	rootCmd.AddCommand(joinCmd)
}

type chatMessage struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Message  string `json:"message"`
}

type reactionMessage struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Emoji    string `json:"emoji"`
}

func joinRoom(roomID string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	userID := uuid.NewString()
	userName := flagName
	if userName == "" {
		userName = "cli-" + userID[:8]
	}

	iceServers, err := fetchICEServers()
	if err != nil {
		return err
	}

	wsURL, err := websocketURL(flagServer)
	if err != nil {
		return err
	}

	client := signaling.NewClient(wsURL, logger)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	neg, err := negotiator.New(negotiator.Config{
		UserID:     userID,
		UserName:   userName,
		ICEServers: iceServers,
		Relay:      client,
		OnTrack: func(peerID string, track *webrtc.TrackRemote) {
			fmt.Printf("* receiving %s from %s\n", track.Kind().String(), peerID)
			go drainTrack(track)
		},
		OnStats: func(peerID string, s negotiator.Stats) {
			if !flagVerbose {
				return
			}
			fmt.Printf("* stats %s rtt=%.0fms jitter=%.4f loss=%.1f%% fps=%.1f\n",
				peerID, s.RTTMillis, s.Jitter, s.LossPercent, s.FrameRate)
		},
		OnPeerState: func(peerID string, state negotiator.State) {
			if flagVerbose {
				fmt.Printf("* peer %s -> %s\n", peerID, state.String())
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer neg.Close()

	tracks, err := makeLocalTracks()
	if err != nil {
		return err
	}
	neg.SetLocalTracks(tracks, negotiator.StreamProfile{Width: 1280, Height: 720, FrameRate: 30})

	client.JoinRoom(roomID, userID, userName, &protocol.CreationConfig{
		IsPublic:    flagPublic,
		Name:        flagRoomName,
		WaitingRoom: flagWaitingRoom,
	})

	go readCommands(client, roomID, userID, userName)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		client.LeaveRoom(roomID, userID)
		client.Close()
	}()

	for env := range client.Incoming() {
		done, err := handleEvent(env, client, neg, userID)
		if err != nil {
			logger.Warn("event handling failed", "event", env.Event, "error", err)
		}
		if done {
			return nil
		}
	}
	fmt.Println("disconnected")
	return nil
}

// handleEvent reacts to one authority event. It returns done=true when the
// session is over and the command should exit.
func handleEvent(env protocol.Envelope, client *signaling.Client, neg *negotiator.Negotiator, userID string) (bool, error) {
	switch env.Event {
	case protocol.EventRoomJoined:
		joined, err := protocol.Decode[protocol.RoomJoined](env.Data)
		if err != nil {
			return false, err
		}
		role := "participant"
		if joined.IsHost {
			role = "host"
		}
		fmt.Printf("joined %s as %s (locked=%t waitingRoom=%t)\n",
			joined.RoomID, role, joined.Locked, joined.WaitingRoom)

	case protocol.EventRoomLocked:
		fmt.Println("room is locked")
		return true, nil

	case protocol.EventWaitingRoom:
		wr, err := protocol.Decode[protocol.WaitingRoom](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("waiting for the host to admit you (position %d)\n", wr.Position)

	case protocol.EventWaitingRoomUpdate:
		upd, err := protocol.Decode[protocol.WaitingRoomUpdate](env.Data)
		if err != nil {
			return false, err
		}
		if len(upd.Waiting) == 0 {
			fmt.Println("waiting room is empty")
			break
		}
		fmt.Println("waiting room:")
		for _, w := range upd.Waiting {
			fmt.Printf("  %s (%s)\n", w.UserName, w.UserID)
		}

	case protocol.EventAdmitted:
		adm, err := protocol.Decode[protocol.Admitted](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("admitted to %s\n", adm.RoomID)

	case protocol.EventDenied:
		fmt.Println("the host denied your request to join")
		return true, nil

	case protocol.EventRoomClosed:
		fmt.Println("room closed")
		return true, nil

	case protocol.EventHostChanged:
		fmt.Println("you are now the host")

	case protocol.EventRoomSettingsUpdate:
		upd, err := protocol.Decode[protocol.RoomSettingsUpdate](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("room settings changed: locked=%t waitingRoom=%t\n", upd.Locked, upd.WaitingRoom)

	case protocol.EventUserConnected:
		user, err := protocol.Decode[protocol.UserConnected](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("%s joined\n", user.UserName)
		return false, neg.HandlePeerJoined(user.UserID, user.UserName)

	case protocol.EventUserDisconnected:
		user, err := protocol.Decode[protocol.UserDisconnected](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("%s left\n", user.UserID)
		neg.HandlePeerLeft(user.UserID)

	case protocol.EventOffer:
		sig, err := protocol.Decode[protocol.SessionSignal](env.Data)
		if err != nil {
			return false, err
		}
		if sig.TargetUserID != userID || sig.Offer == nil {
			break
		}
		return false, neg.HandleOffer(sig.CallerID, sig.UserName, sig.IsScreenShare, *sig.Offer)

	case protocol.EventAnswer:
		sig, err := protocol.Decode[protocol.SessionSignal](env.Data)
		if err != nil {
			return false, err
		}
		if sig.TargetUserID != userID || sig.Answer == nil {
			break
		}
		return false, neg.HandleAnswer(sig.CallerID, *sig.Answer)

	case protocol.EventICECandidate:
		sig, err := protocol.Decode[protocol.CandidateSignal](env.Data)
		if err != nil {
			return false, err
		}
		if sig.TargetUserID != userID {
			break
		}
		return false, neg.HandleCandidate(sig.CallerID, sig.Candidate)

	case protocol.EventChatMessage:
		msg, err := protocol.Decode[chatMessage](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("<%s> %s\n", msg.UserName, msg.Message)

	case protocol.EventReaction:
		r, err := protocol.Decode[reactionMessage](env.Data)
		if err != nil {
			return false, err
		}
		fmt.Printf("%s reacted %s\n", r.UserName, r.Emoji)

	case protocol.EventRoomsUpdate, protocol.EventPong:
		// Directory refreshes and keepalive replies are noise here.

	default:
		if flagVerbose {
			fmt.Printf("* event %s\n", env.Event)
		}
	}
	return false, nil
}

// readCommands turns stdin lines into chat messages and slash commands.
func readCommands(client *signaling.Client, roomID, userID, userName string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			client.Send(protocol.MustMake(protocol.EventChatMessage, chatMessage{
				RoomID:   roomID,
				UserID:   userID,
				UserName: userName,
				Message:  line,
			}))
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "lock":
			client.ToggleLock(roomID)
		case "waiting":
			client.ToggleWaitingRoom(roomID)
		case "admit":
			client.AdmitUser(roomID, arg)
		case "deny":
			client.DenyUser(roomID, arg)
		case "react":
			client.Send(protocol.MustMake(protocol.EventReaction, reactionMessage{
				RoomID:   roomID,
				UserID:   userID,
				UserName: userName,
				Emoji:    arg,
			}))
		case "quit":
			client.LeaveRoom(roomID, userID)
			client.Close()
			return
		default:
			fmt.Printf("unknown command /%s\n", cmd)
		}
	}
}

func makeLocalTracks() ([]webrtc.TrackLocal, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "meshcall")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "meshcall")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return []webrtc.TrackLocal{video, audio}, nil
}

// drainTrack keeps the receive buffer empty for a track nobody renders.
func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func fetchICEServers() ([]webrtc.ICEServer, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(flagServer + "/api/turn-config")
	if err != nil {
		return nil, fmt.Errorf("fetch turn config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch turn config: server returned %s", resp.Status)
	}

	var payload struct {
		ICEServers []struct {
			URLs       string `json:"urls"`
			Username   string `json:"username"`
			Credential string `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode turn config: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(payload.ICEServers))
	for _, s := range payload.ICEServers {
		server := webrtc.ICEServer{URLs: []string{s.URLs}}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}
