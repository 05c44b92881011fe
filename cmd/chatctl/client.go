package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/pairchat/internal/handlers"
	"github.com/eldtechnologies/pairchat/internal/models"
)

// apiClient calls the REST endpoints as one participant.
type apiClient struct {
	base        string
	participant string
	http        *http.Client
}

func newAPIClient(base, participant string) *apiClient {
	return &apiClient{
		base:        strings.TrimRight(base, "/"),
		participant: participant,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.participant != "" {
		req.Header.Set("X-Participant", c.participant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) deriveRoom(ctx context.Context, a, b string) (handlers.DeriveRoomResponse, error) {
	var out handlers.DeriveRoomResponse
	q := url.Values{"a": {a}, "b": {b}}
	err := c.do(ctx, http.MethodGet, "/rooms/derive?"+q.Encode(), nil, &out)
	return out, err
}

func (c *apiClient) history(ctx context.Context, room string, after int64, limit int) (handlers.RoomMessagesResponse, error) {
	var out handlers.RoomMessagesResponse
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(room)+"/messages?"+q.Encode(), nil, &out)
	return out, err
}

func (c *apiClient) send(ctx context.Context, room, content string, ct models.ContentType) (*models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(room)+"/messages",
		handlers.PostMessageRequest{Content: content, ContentType: ct}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) conversations(ctx context.Context, limit int) (handlers.ConversationsResponse, error) {
	var out handlers.ConversationsResponse
	path := "/participants/" + url.PathEscape(c.participant) + "/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// wsURL turns the server base URL into the gateway URL.
func (c *apiClient) wsURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
