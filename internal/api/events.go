package api

import (
	"fmt"
	"time"
)

// Level of an observation event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Event is a human readable notification about what the client is doing.
// Events are for display only; results and errors are returned to callers.
type Event struct {
	Level     Level
	Message   string
	Timestamp time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("15:04:05.000"), e.Level, e.Message)
}

func (c *Client) info(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log.Info().Msg(msg)
	c.emit(Event{Level: LevelInfo, Message: msg, Timestamp: time.Now()})
}

func (c *Client) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.log.Error().Msg(msg)
	c.emit(Event{Level: LevelError, Message: msg, Timestamp: time.Now()})
}

func (c *Client) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}
