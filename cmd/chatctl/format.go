package main

import (
	"fmt"
	"time"

	"github.com/gookit/color"

	"github.com/eldtechnologies/pairchat/internal/gateway"
	"github.com/eldtechnologies/pairchat/internal/models"
)

var (
	seqStyle    = color.New(color.FgGray)
	senderStyle = color.New(color.FgCyan, color.OpBold)
	eventStyle  = color.New(color.FgYellow)
)

// formatMessage renders one message as a single terminal line.
func formatMessage(m models.Message) string {
	body := m.Content
	if m.ContentType == models.ContentFile {
		body = "[file] " + body
	}
	status := ""
	switch {
	case m.Read:
		status = " ✓✓"
	case m.Delivered:
		status = " ✓"
	}
	return fmt.Sprintf("%s %s %s: %s%s",
		seqStyle.Render(fmt.Sprintf("#%d", m.Seq)),
		m.CreatedAt.Local().Format(time.TimeOnly),
		senderStyle.Render(m.SenderID),
		body,
		status,
	)
}

// formatEvent renders an ephemeral event, or "" for events not worth a line.
func formatEvent(f gateway.Outbound) string {
	switch f.Type {
	case gateway.TypeTyping:
		if f.IsTyping == nil || !*f.IsTyping {
			return ""
		}
		return eventStyle.Render(f.From + " is typing…")
	case gateway.TypePresence:
		if f.Online != nil && *f.Online {
			return eventStyle.Render(f.From + " is online")
		}
		return eventStyle.Render(f.From + " went offline")
	case gateway.TypeRead:
		return eventStyle.Render(f.From + " read " + f.MessageID)
	}
	return ""
}
