package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/pairchat/internal/models"
)

var roomCmd = &cobra.Command{
	Use:   "room <a> <b>",
	Short: "Print the room id shared by two participants",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := remote.deriveRoom(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Room)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the messages exchanged with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		room, err := peerRoom(ctx, args[0])
		if err != nil {
			return err
		}

		// Page until the requested count is reached or history runs out.
		printed := 0
		for limit <= 0 || printed < limit {
			page, err := remote.history(ctx, room, after, remaining(limit, printed))
			if err != nil {
				return err
			}
			for _, m := range page.Messages {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
				after = m.Seq
				printed++
			}
			if !page.HasMore || len(page.Messages) == 0 {
				break
			}
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <content...>",
	Short: "Send a message to a peer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ct := models.ContentText
		if file, _ := cmd.Flags().GetBool("file"); file {
			ct = models.ContentFile
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		room, err := peerRoom(ctx, args[0])
		if err != nil {
			return err
		}
		msg, err := remote.send(ctx, room, strings.Join(args[1:], " "), ct)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent #%d (%s)\n", msg.Seq, msg.ID)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := me(); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := remote.conversations(ctx, limit)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Peer", "Messages", "Last message", "Room"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetHeaderLine(false)
		table.SetColumnSeparator("")
		table.SetCenterSeparator("")
		table.SetRowSeparator("")
		table.SetTablePadding("\t")
		for _, c := range resp.Conversations {
			table.Append([]string{
				c.Peer,
				fmt.Sprint(c.LastSeq),
				time.UnixMilli(c.LastMessageAt).Local().Format(time.DateTime),
				c.Room,
			})
		}
		table.Render()
		return nil
	},
}

// peerRoom asks the server for the room shared with peer, so handles are
// resolved the same way the server resolves them.
func peerRoom(ctx context.Context, peer string) (string, error) {
	self, err := me()
	if err != nil {
		return "", err
	}
	resp, err := remote.deriveRoom(ctx, self, peer)
	if err != nil {
		return "", err
	}
	return resp.Room, nil
}

func remaining(limit, printed int) int {
	if limit <= 0 {
		return 0
	}
	return limit - printed
}

func init() {
	rootCmd.AddCommand(roomCmd, historyCmd, sendCmd, conversationsCmd)

	historyCmd.Flags().Int64("after", 0, "only messages after this sequence number")
	historyCmd.Flags().IntP("limit", "n", 0, "maximum number of messages (0 for all)")
	sendCmd.Flags().Bool("file", false, "content is a file reference")
	conversationsCmd.Flags().IntP("limit", "n", 0, "maximum number of conversations")
}
