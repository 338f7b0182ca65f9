package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"makeover/internal/events"
	"makeover/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// writeSSEEvent 按 `event: <name>\ndata: <JSON>\n\n` 写出一条事件
func writeSSEEvent(w io.Writer, ev events.Event) error {
	ev = ev.ForWire()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.SSEName(), data)
	return err
}

// sseSession 跟踪一条连接已发送的事件，回放与实时事件可能重叠
type sseSession struct {
	w             io.Writer
	seen          map[string]struct{}
	endOnTerminal bool
	log           logrus.FieldLogger
}

// send 写出 ev，返回连接是否应当结束
func (s *sseSession) send(ev events.Event) bool {
	key := ev.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	if err := writeSSEEvent(s.w, ev); err != nil {
		s.log.WithError(err).Warn("write sse event failed")
		return true
	}
	return s.endOnTerminal && ev.IsTerminal()
}

func (h *HTTPHandler) serveStream(c *gin.Context, stream *relay.Stream, connected events.Event, endOnTerminal bool, log logrus.FieldLogger) {
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	session := &sseSession{
		w:             c.Writer,
		seen:          make(map[string]struct{}),
		endOnTerminal: endOnTerminal,
		log:           log,
	}

	log.WithField("replayed", len(stream.Replay)).Info("sse connected")
	defer log.Info("sse disconnected")

	session.send(connected)
	for _, ev := range stream.Replay {
		if session.send(ev) {
			c.Writer.Flush()
			return
		}
	}
	c.Writer.Flush()

	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeatTicker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			return true
		case ev, ok := <-stream.Events:
			if !ok {
				return false
			}
			return !session.send(ev)
		}
	})
}
