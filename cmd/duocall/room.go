package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var roomCmd = &cobra.Command{
	Use:   "room <room-code>",
	Short: "Show who is in a room without joining it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := clientConfig()
		httpClient = newHTTPClient(cfg)

		var info roomInfo
		if err := fetchJSON(cmd.Context(), cfg.ServerURL, "/api/rooms/"+url.PathEscape(args[0]), &info); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("Room "+info.RoomCode))
		fmt.Fprintf(out, "  %s %d/2\n", mutedStyle.Render("Participants:"), info.Participants)
		switch {
		case info.CallActive:
			fmt.Fprintln(out, "  "+warningStyle.Render("A call is in progress."))
		case info.Full:
			fmt.Fprintln(out, "  "+warningStyle.Render("The room is full."))
		default:
			fmt.Fprintln(out, "  "+successStyle.Render("You can join."))
		}
		return nil
	},
}
