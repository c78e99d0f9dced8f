package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishOptions are the per-message settings
type PublishOptions struct {
	Persistent      bool
	Mandatory       bool
	Headers         broker.Table
	ContentType     string
	ContentEncoding string
	Timestamp       time.Time
	Expiration      time.Duration
	Type            string
	ReplyTo         string
	CorrelationID   string
	Priority        uint8
	MessageID       string
	UserID          string
	AppID           string

	// ConfirmTimeout overrides the publisher's confirmation timeout.
	// Only confirmed publishes read it.
	ConfirmTimeout *time.Duration
}

// PublishOption configures a single publish
type PublishOption func(*PublishOptions)

// defaultPublishOptions returns persistent JSON with the current time and
// empty headers
func defaultPublishOptions() PublishOptions {
	return PublishOptions{
		Persistent:  true,
		Headers:     broker.Table{},
		ContentType: "application/json",
		Timestamp:   time.Now(),
	}
}

func buildPublishOptions(options []PublishOption) PublishOptions {
	opts := defaultPublishOptions()
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// WithPersistent sets the delivery mode
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Persistent = persistent
	}
}

// WithMandatory asks the broker to return unroutable messages
func WithMandatory(mandatory bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Mandatory = mandatory
	}
}

// WithHeaders merges custom headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = broker.Table{}
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithHeader sets one header
func WithHeader(key string, value interface{}) PublishOption {
	return WithHeaders(map[string]interface{}{key: value})
}

// WithContentType sets the content type
func WithContentType(contentType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ContentType = contentType
	}
}

// WithContentEncoding sets the content encoding, e.g. gzip
func WithContentEncoding(encoding string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ContentEncoding = encoding
	}
}

// WithTimestamp sets the message timestamp
func WithTimestamp(ts time.Time) PublishOption {
	return func(opts *PublishOptions) {
		opts.Timestamp = ts
	}
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Expiration = ttl
	}
}

// WithType sets the application message type
func WithType(messageType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Type = messageType
	}
}

// WithReplyTo sets the reply-to queue
func WithReplyTo(replyTo string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ReplyTo = replyTo
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = correlationID
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithMessageID sets the message ID
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageID = id
	}
}

// WithUserID sets the user ID; RabbitMQ checks it against the connection user
func WithUserID(userID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.UserID = userID
	}
}

// WithAppID sets the application ID
func WithAppID(appID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.AppID = appID
	}
}

// WithConfirmTimeout overrides how long a confirmed publish waits for the
// broker. Zero waits without a deadline.
func WithConfirmTimeout(timeout time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.ConfirmTimeout = &timeout
	}
}

// publishing builds the AMQP message for body
func (o PublishOptions) publishing(body []byte) broker.Publishing {
	msg := broker.Publishing{
		Headers:         o.Headers,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		Timestamp:       o.Timestamp,
		Type:            o.Type,
		ReplyTo:         o.ReplyTo,
		CorrelationId:   o.CorrelationID,
		Priority:        o.Priority,
		MessageId:       o.MessageID,
		UserId:          o.UserID,
		AppId:           o.AppID,
		Body:            body,
		DeliveryMode:    amqp.Transient,
	}
	if o.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if o.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(o.Expiration.Milliseconds(), 10)
	}
	return msg
}

// encodePayload returns raw bytes and strings as they are and encodes
// everything else as JSON
func encodePayload(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, &EncodeError{Type: fmt.Sprintf("%T", data), Err: err}
	}
	return body, nil
}
