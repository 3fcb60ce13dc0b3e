package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tariel-x/meshcall/internal/protocol"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List public rooms on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRooms()
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}

func listRooms() error {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(flagServer + "/api/rooms")
	if err != nil {
		return fmt.Errorf("fetch rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch rooms: server returned %s", resp.Status)
	}

	var payload struct {
		Rooms []protocol.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode rooms: %w", err)
	}

	if len(payload.Rooms) == 0 {
		fmt.Println("no public rooms")
		return nil
	}

	fmt.Printf("%-24s %-20s %8s %8s %8s\n", "ROOM", "NAME", "MEMBERS", "LOCKED", "WAITING")
	for _, r := range payload.Rooms {
		fmt.Printf("%-24s %-20s %8d %8t %8t\n", r.RoomID, r.Name, r.ParticipantCount, r.Locked, r.WaitingRoom)
	}
	return nil
}
