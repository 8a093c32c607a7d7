package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/types"
)

const exchangeName = "events"

// Session : one AMQP connection plus its channel and close notifications
type Session struct {
	Conn   *amqp.Connection
	Ch     *amqp.Channel
	Notify chan *amqp.Error
}

// Dial : connect, open a channel and declare the topic exchange every event
// is published to, with the event kind as routing key
func Dial(amqpURL string) (Session, error) {
	var session Session
	var err error
	session.Conn, err = amqp.Dial(amqpURL)
	if err != nil {
		return session, err
	}
	session.Notify = session.Conn.NotifyClose(make(chan *amqp.Error))
	session.Ch, err = session.Conn.Channel()
	if err != nil {
		session.Conn.Close()
		return session, err
	}
	err = session.Ch.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		session.Conn.Close()
		return session, err
	}
	return session, nil
}

// Close : tear down channel and connection
func (session Session) Close() {
	if session.Ch != nil {
		session.Ch.Close()
	}
	if session.Conn != nil {
		session.Conn.Close()
	}
}

// Publisher : mirrors every bus event onto the AMQP exchange so external
// consumers can integrate without a websocket session
type Publisher struct {
	URI    string
	Bus    *bus.EventBus
	Logger log.Logger
}

func NewPublisher(uri string, eventBus *bus.EventBus, logger log.Logger) *Publisher {
	return &Publisher{URI: uri, Bus: eventBus, Logger: logger}
}

// Run : consume the bus and publish until ctx is cancelled, redialing on any
// connection loss. Events arriving while disconnected are dropped with a log.
func (publisher *Publisher) Run(ctx context.Context) {
	handle := publisher.Bus.Subscribe("rabbitmq")
	defer publisher.Bus.Unsubscribe("rabbitmq")
	for {
		if ctx.Err() != nil {
			return
		}
		session, err := Dial(publisher.URI)
		if err != nil {
			publisher.Logger.Error(fmt.Sprintf("rabbitmq dial failed: %s, retrying", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		publisher.Logger.Info("rabbitmq connected")
		publisher.pump(ctx, session, handle)
		session.Close()
	}
}

func (publisher *Publisher) pump(ctx context.Context, session Session, handle *bus.Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-session.Notify:
			if amqpErr != nil {
				publisher.Logger.Error(fmt.Sprintf("rabbitmq connection lost: %s", amqpErr.Error()))
			}
			return
		case event, ok := <-handle.C:
			if !ok {
				return
			}
			if err := publisher.publish(session, event); err != nil {
				publisher.Logger.Error(fmt.Sprintf("rabbitmq publish failed: %s", err.Error()))
				return
			}
		}
	}
}

func (publisher *Publisher) publish(session Session, event types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return session.Ch.Publish(
		exchangeName, // exchange
		event.Kind,   // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}
