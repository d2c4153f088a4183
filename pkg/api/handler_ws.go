package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// jobEventsHandler upgrades GET /jobs/events and hands the socket to the
// event bus. Blocks until the client disconnects.
func (s *Server) jobEventsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.bus.HandleConnection(c.Request().Context(), conn)
	return nil
}

// broadcastHandler upgrades GET /stream/broadcast. The hub enforces the
// loopback-only rule and the single-broadcaster slot.
func (s *Server) broadcastHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.HandleBroadcaster(c.Request().Context(), conn, c.Request().RemoteAddr)
	return nil
}

// watchHandler upgrades GET /stream/watch into a read-only viewer socket.
func (s *Server) watchHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.HandleViewer(c.Request().Context(), conn)
	return nil
}
