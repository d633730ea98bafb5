package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/planc-backend/internal/engine"
)

// Messages are adjacently tagged: {"tag": "SetPoints", "content": "5"}.
type ClientMessage struct {
	Tag     string          `json:"tag"`
	Content json.RawMessage `json:"content,omitempty"`
}

type ServerMessage struct {
	Tag     string `json:"tag"` // "State" | "Whoami" | "Error" | "KeepAlive"
	Content any    `json:"content,omitempty"`
}

const (
	TagState     = "State"
	TagWhoami    = "Whoami"
	TagError     = "Error"
	TagKeepAlive = "KeepAlive"
)

func StateMessage(view engine.SessionState) ServerMessage {
	return ServerMessage{Tag: TagState, Content: view}
}

func WhoamiMessage(userID string) ServerMessage {
	return ServerMessage{Tag: TagWhoami, Content: userID}
}

func ErrorMessage(text string) ServerMessage {
	return ServerMessage{Tag: TagError, Content: text}
}

func KeepAliveMessage() ServerMessage {
	return ServerMessage{Tag: TagKeepAlive}
}

// DecodeClientMessage parses one inbound frame. Every failure wraps
// engine.ErrInvalidMessage.
func DecodeClientMessage(data []byte) (engine.Command, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return engine.Command{}, fmt.Errorf("%w: %v", engine.ErrInvalidMessage, err)
	}

	cmd := engine.Command{Type: engine.CommandType(m.Tag)}
	var err error
	switch cmd.Type {
	case engine.CmdNameChange:
		err = decodeContent(m.Content, &cmd.Name)
	case engine.CmdSetPoints:
		err = decodeContent(m.Content, &cmd.Points)
	case engine.CmdKickUser:
		err = decodeContent(m.Content, &cmd.UserID)
	case engine.CmdSetSpectator:
		err = decodeContent(m.Content, &cmd.Spectator)
	case engine.CmdResetPoints, engine.CmdWhoami, engine.CmdClaimSession, engine.CmdHoldConnection:
		if !isEmpty(m.Content) {
			err = fmt.Errorf("unexpected content for %s", m.Tag)
		}
	default:
		err = fmt.Errorf("unknown tag %q", m.Tag)
	}
	if err != nil {
		return engine.Command{}, fmt.Errorf("%w: %v", engine.ErrInvalidMessage, err)
	}
	return cmd, nil
}

func decodeContent(raw json.RawMessage, dst any) error {
	if isEmpty(raw) {
		return fmt.Errorf("missing content")
	}
	return json.Unmarshal(raw, dst)
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
