package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/duocall/internal/roomstore"
	wsproto "github.com/tariel-x/duocall/internal/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var errBadRequest = errors.New("bad request")

// HandleWebSocket serves the room store protocol to an authenticated
// session.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	sessionID, err := h.issuer.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*roomstore.Subscription),
	}

	h.wsHub.Add(client)
	h.logger.Debug("ws connected", "session_id", sessionID, "ip", c.ClientIP())

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		h.logger.Debug("ws disconnect", "session_id", client.sessionID)
		client.cancel()
		client.cancelSubs()
		_ = client.conn.Close()
		h.wsHub.Remove(client)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read error", "session_id", client.sessionID, "error", err)
			return
		}

		msg, err := wsproto.DecodeMessage(payload)
		if err != nil {
			h.logger.Debug("ws bad frame", "session_id", client.sessionID, "error", err)
			continue
		}

		// Payloads carry SDP and candidates; log type and size only.
		h.logger.Debug("ws recv", "session_id", client.sessionID, "type", msg.Type, "path", msg.Path, "bytes", len(payload))

		reply := h.serve(client, msg)
		if !h.sendFrame(client, reply) {
			return
		}
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serve executes one request against the store and builds its reply.
func (h *Handlers) serve(client *wsClient, msg wsproto.Message) wsproto.Message {
	ctx := client.ctx
	result := wsproto.Message{Type: wsproto.TypeResult, ID: msg.ID}

	var err error
	switch msg.Type {
	case wsproto.TypePing:

	case wsproto.TypeGet:
		var doc roomstore.Document
		doc, err = h.store.Get(ctx, msg.Path)
		result.Document = &doc

	case wsproto.TypeSet:
		err = h.store.Set(ctx, msg.Path, msg.Data)

	case wsproto.TypeUpdate:
		fields := make(map[string]any, len(msg.Fields))
		for k, v := range msg.Fields {
			fields[k] = v
		}
		err = h.store.Update(ctx, msg.Path, fields)

	case wsproto.TypeDelete:
		err = h.store.Delete(ctx, msg.Path)

	case wsproto.TypeAdd:
		result.DocID, err = h.store.Add(ctx, msg.Path, msg.Data)

	case wsproto.TypeList:
		result.Documents, result.Version, err = h.store.List(ctx, msg.Path)

	case wsproto.TypeCommit:
		if msg.Batch == nil {
			err = errBadRequest
			break
		}
		err = h.store.Commit(ctx, *msg.Batch)

	case wsproto.TypeSubscribe:
		err = h.subscribe(client, msg)

	case wsproto.TypeUnsubscribe:
		client.removeSub(msg.SubID)

	default:
		err = errBadRequest
	}

	if err != nil {
		reply := wsproto.ErrorReply(msg.ID, err)
		if errors.Is(err, errBadRequest) {
			reply.Code = wsproto.CodeBadRequest
		}
		return reply
	}
	return result
}

// subscribe forwards snapshots until the client unsubscribes or leaves. A
// client that cannot keep up is disconnected rather than silently losing
// snapshots.
func (h *Handlers) subscribe(client *wsClient, msg wsproto.Message) error {
	if msg.SubID == "" {
		return errBadRequest
	}
	q := roomstore.Query{Path: msg.Path, Collection: msg.Collection}
	sub, err := h.store.Subscribe(client.ctx, q)
	if err != nil {
		return err
	}
	client.addSub(msg.SubID, sub)

	go func() {
		for snap := range sub.Events() {
			frame := wsproto.Message{Type: wsproto.TypeSnapshot, SubID: msg.SubID, Snapshot: &snap}
			if !h.sendFrame(client, frame) {
				h.logger.Warn("ws subscriber too slow, closing", "session_id", client.sessionID, "sub_id", msg.SubID)
				_ = client.conn.Close()
				return
			}
		}
	}()
	return nil
}

func (h *Handlers) sendFrame(client *wsClient, msg wsproto.Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws encode frame", "type", msg.Type, "error", err)
		return true
	}
	return client.trySend(payload)
}
