package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrSocketClosed is returned when the daemon closes the agent socket
// before sending a result.
var ErrSocketClosed = errors.New("agent socket closed before result")

// Interaction receives the live events of an interactive agent run.
type Interaction struct {
	// OnStep is called after every executed step. May be nil.
	OnStep func(protocol.AgentStep)
	// Confirm answers a gated action. A nil Confirm denies everything.
	Confirm func(protocol.SocketEvent) bool
}

// Agent runs a task over the agent socket, asking the interaction to
// confirm gated actions as they come up.
func (c *Client) Agent(ctx context.Context, req protocol.SocketRequest, in Interaction) (protocol.AgentResponse, error) {
	wsURL, err := c.socketURL("/v1/agent/ws")
	if err != nil {
		return protocol.AgentResponse{}, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return protocol.AgentResponse{}, fmt.Errorf("dial agent socket: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	req.Type = protocol.SocketStart
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return protocol.AgentResponse{}, fmt.Errorf("send start: %w", err)
	}

	for {
		var ev protocol.SocketEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return protocol.AgentResponse{}, ErrSocketClosed
			}
			return protocol.AgentResponse{}, fmt.Errorf("read agent socket: %w", err)
		}

		switch ev.Type {
		case protocol.SocketStarted:
		case protocol.SocketStep:
			if in.OnStep != nil && ev.Step != nil {
				in.OnStep(*ev.Step)
			}
		case protocol.SocketConfirmRequest:
			approve := in.Confirm != nil && in.Confirm(ev)
			answer := protocol.SocketRequest{Type: protocol.SocketConfirm, ID: ev.ID, Approve: approve}
			if err := wsjson.Write(ctx, conn, answer); err != nil {
				return protocol.AgentResponse{}, fmt.Errorf("send confirmation: %w", err)
			}
		case protocol.SocketResult:
			if ev.Result == nil {
				return protocol.AgentResponse{}, errors.New("empty result")
			}
			return *ev.Result, nil
		case protocol.SocketError:
			return protocol.AgentResponse{}, errors.New(ev.Error)
		}
	}
}

func (c *Client) socketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse daemon url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
