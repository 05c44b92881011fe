package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/pairchat/internal/gateway"
)

var tailCmd = &cobra.Command{
	Use:   "tail <peer>",
	Short: "Follow the conversation with a peer live",
	Long: `tail joins the room shared with a peer over WebSocket, prints the last
messages, then prints new messages, typing and presence events until
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := me()
		if err != nil {
			return err
		}
		since, _ := cmd.Flags().GetInt64("after")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target, err := remote.wsURL()
		if err != nil {
			return err
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return fmt.Errorf("connect %s: %w", target, err)
		}
		defer ws.Close()

		go func() {
			<-ctx.Done()
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ws.Close()
		}()

		t := &tailer{ws: ws, out: cmd.OutOrStdout(), after: since}
		for _, f := range []gateway.Inbound{
			{Type: gateway.TypeBind, Ref: "bind", Identity: self},
			{Type: gateway.TypeJoin, Ref: "join", Peer: args[0]},
		} {
			if err := ws.WriteJSON(f); err != nil {
				return err
			}
		}

		err = t.run()
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

// tailer prints frames from one gateway connection.
type tailer struct {
	ws    *websocket.Conn
	out   io.Writer
	room  string
	after int64
}

func (t *tailer) run() error {
	for {
		var f gateway.Outbound
		if err := t.ws.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		if err := t.handle(f); err != nil {
			return err
		}
	}
}

func (t *tailer) handle(f gateway.Outbound) error {
	switch f.Type {
	case gateway.TypeError:
		return fmt.Errorf("%s: %s", f.Error.Code, f.Error.Message)

	case gateway.TypeJoined:
		t.room = f.Room
		return t.requestHistory()

	case gateway.TypeHistory:
		for _, m := range f.Messages {
			t.print(m.Seq, formatMessage(m))
		}
		if f.HasMore {
			return t.requestHistory()
		}

	case gateway.TypeMessage:
		if f.Message != nil {
			t.print(f.Message.Seq, formatMessage(*f.Message))
		}

	case gateway.TypeTyping, gateway.TypePresence, gateway.TypeRead:
		if line := formatEvent(f); line != "" {
			fmt.Fprintln(t.out, line)
		}
	}
	return nil
}

// print writes a message line unless it was already shown. Live messages
// can overlap the history replay.
func (t *tailer) print(seq int64, line string) {
	if seq <= t.after {
		return
	}
	t.after = seq
	fmt.Fprintln(t.out, line)
}

func (t *tailer) requestHistory() error {
	return t.ws.WriteJSON(gateway.Inbound{Type: gateway.TypeHistory, Ref: "history", Room: t.room, After: t.after})
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().Int64("after", 0, "replay messages after this sequence number")
}
