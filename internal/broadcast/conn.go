package broadcast

import (
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Conn is one websocket client as seen by the gateway. The transport drains
// OutChan in its write pump.
type Conn struct {
	id      string
	OutChan chan protocol.Event
	log     logrus.FieldLogger
}

// NewConn returns a Conn whose outbound queue holds buffer events.
func NewConn(id string, buffer int, logger logrus.FieldLogger) *Conn {
	return &Conn{
		id:      id,
		OutChan: make(chan protocol.Event, buffer),
		log:     logger,
	}
}

func (c *Conn) ID() string { return c.id }

// Send pushes ev onto OutChan without blocking. A full queue drops the event.
func (c *Conn) Send(ev protocol.Event) bool {
	select {
	case c.OutChan <- ev:
		return true
	default:
		c.log.WithFields(logrus.Fields{"conn_id": c.id, "type": ev.Type}).Warn("outbound queue full; dropped message")
		return false
	}
}
