package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"castrelay/internal/apiclient"
	"castrelay/internal/core/domain"

	"github.com/spf13/cobra"
)

var (
	apiURL      string
	roomsSource string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms known to the relay, or show one with --room",
	RunE:  runRooms,
}

func init() {
	roomsCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "relay HTTP base URL")
	roomsCmd.Flags().StringVar(&roomsSource, "source", string(apiclient.SourceLocal), "room view to read (local, presence)")
}

func runRooms(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	client := apiclient.New(apiURL)

	if roomID != "" {
		detail, err := client.GetRoom(ctx, domain.RoomID(roomID))
		if err != nil {
			return err
		}
		fmt.Printf("room %s: broadcaster=%q viewers=%d\n", detail.Room.RoomID, detail.Room.BroadcasterID, detail.ViewerCount)
		return nil
	}

	list, err := client.ListRooms(ctx, apiclient.Source(roomsSource))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tBROADCASTER\tVIEWERS\tACTIVE")
	for _, r := range list.Rooms {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", r.RoomID, r.BroadcasterID, r.ViewerCount(), r.Active)
	}
	return w.Flush()
}
