package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paywatch/paywatch-core/dispatch"
	"github.com/paywatch/paywatch-core/invoices"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn : one upgraded connection. Response and push frames share the
// socket, so every write goes through the mutex.
type wsConn struct {
	conn    *websocket.Conn
	session *dispatch.Session
	mutex   sync.Mutex
}

func (c *wsConn) write(payload interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(payload)
}

// WebsocketHandler : upgrade, register a session, then serve the action
// protocol until the client goes away. A bearer token in the handshake
// authenticates the session; without one only read actions work.
func (server *Server) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := server.authorize(r)
	if err != nil {
		errorJSON(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if util.LoggerError(server.Logger, err) != nil {
		return
	}
	session := server.Registry.Register(accountID)
	client := &wsConn{conn: conn, session: session}
	server.Logger.Info(fmt.Sprintf("session %s connected from %s", session.ID, util.GetClientIP(r)))

	go server.pushLoop(client)
	server.readLoop(client)

	server.Registry.Deregister(session.ID)
	conn.Close()
	server.Logger.Info(fmt.Sprintf("session %s disconnected", session.ID))
}

// pushLoop : drain the session's outbound frames onto the socket, pinging on
// an interval so dead peers get reaped by the read deadline
func (server *Server) pushLoop(client *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-client.session.Closed:
			return
		case push, ok := <-client.session.Send:
			if !ok {
				return
			}
			if err := client.write(push); err != nil {
				return
			}
		case <-ticker.C:
			client.mutex.Lock()
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := client.conn.WriteMessage(websocket.PingMessage, nil)
			client.mutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (server *Server) readLoop(client *wsConn) {
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var message types.Message
		if err := client.conn.ReadJSON(&message); err != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		response := server.dispatchAction(client.session, message)
		if err := client.write(response); err != nil {
			return
		}
	}
}

// dispatchAction : route one inbound envelope by its action discriminator
func (server *Server) dispatchAction(session *dispatch.Session, message types.Message) types.Response {
	switch message.Action {
	case "ping":
		return success("pong")
	case "subscribe":
		return server.subscribeAction(session, message, true)
	case "unsubscribe":
		return server.subscribeAction(session, message, false)
	case "fetch_invoice":
		detail, err := server.Invoices.Fetch(message.UID)
		if err == types.ErrNotFound {
			return failure("invoice not found")
		}
		if err != nil {
			return failure("could not fetch invoice")
		}
		return success(detail)
	case "create_invoice":
		if session.AccountID == 0 {
			return failure("authentication required")
		}
		detail, err := server.Invoices.Create(invoices.CreateRequest{
			AccountID:   session.AccountID,
			Amount:      message.Amount,
			Currency:    message.Currency,
			WebhookURL:  message.WebhookURL,
			RedirectURL: message.RedirectURL,
			Memo:        message.Memo,
		})
		if err != nil {
			return failure(err.Error())
		}
		return success(detail)
	case "cancel_invoice":
		if session.AccountID == 0 {
			return failure("authentication required")
		}
		switch err := server.Invoices.Cancel(message.UID, session.AccountID); err {
		case nil:
			return success(map[string]interface{}{"cancelled": message.UID})
		case types.ErrNotFound:
			return failure("invoice not found")
		case types.ErrStateConflict:
			return failure("invoice is not cancellable")
		default:
			return failure("could not cancel invoice")
		}
	case "list_prices":
		priceList, err := server.Prices.List()
		if err != nil {
			return failure("could not list prices")
		}
		return success(priceList)
	case "convert_price":
		converted, err := server.Prices.Convert(message.QuoteValue, message.QuoteCurrency, message.BaseCurrency)
		if err != nil {
			return failure("no quote available")
		}
		return success(map[string]interface{}{
			"currency": message.QuoteCurrency,
			"base":     message.BaseCurrency,
			"value":    converted,
		})
	}
	return failure("unknown action " + message.Action)
}

func (server *Server) subscribeAction(session *dispatch.Session, message types.Message, subscribe bool) types.Response {
	resourceType := message.Type
	subscribable := []string{types.ResourceInvoice, types.ResourceAccount, types.ResourceAddress}
	if !util.ArrayContains(subscribable, resourceType) {
		return failure("unknown resource type " + resourceType)
	}
	if message.ID == "" {
		return failure("resource id required")
	}
	var err error
	if subscribe {
		err = server.Registry.Subscribe(session.ID, resourceType, message.ID)
	} else {
		err = server.Registry.Unsubscribe(session.ID, resourceType, message.ID)
	}
	if err != nil {
		return failure("session no longer registered")
	}
	return success(map[string]interface{}{"type": resourceType, "id": message.ID})
}

func success(data interface{}) types.Response {
	return types.Response{Status: "success", Data: data}
}

func failure(message string) types.Response {
	return types.Response{Status: "error", Message: message}
}
