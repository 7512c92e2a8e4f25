package entity

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/crazyfrankie/zhttp/message"
)

// NewJSONProducer marshals v once and streams the result.
func NewJSONProducer(v any) (*BytesProducer, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("entity: json marshal: %w", err)
	}
	return NewBytesProducer(data, ApplicationJSON), nil
}

// JSONConsumer decodes a JSON body into a T.
type JSONConsumer[T any] struct {
	BytesConsumer
	value T
}

// NewJSONConsumer returns a JSONConsumer; limit <= 0 means no limit.
func NewJSONConsumer[T any](limit int) *JSONConsumer[T] {
	return &JSONConsumer[T]{BytesConsumer: BytesConsumer{limit: limit, window: defaultConsumerWindow}}
}

func (c *JSONConsumer[T]) StreamEnd(trailers message.Header) error {
	if c.buf.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(c.buf.Bytes(), &c.value); err != nil {
		return fmt.Errorf("entity: json unmarshal: %w", err)
	}
	return nil
}

func (c *JSONConsumer[T]) Content() T { return c.value }

// NewProtoProducer marshals m once and streams the result.
func NewProtoProducer(m proto.Message) (*BytesProducer, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("entity: proto marshal: %w", err)
	}
	return NewBytesProducer(data, Protobuf), nil
}

// ProtoConsumer decodes a protobuf body into a fresh message from newT.
type ProtoConsumer[T proto.Message] struct {
	BytesConsumer
	newT  func() T
	value T
}

func NewProtoConsumer[T proto.Message](newT func() T, limit int) *ProtoConsumer[T] {
	return &ProtoConsumer[T]{
		BytesConsumer: BytesConsumer{limit: limit, window: defaultConsumerWindow},
		newT:          newT,
	}
}

func (c *ProtoConsumer[T]) StreamEnd(trailers message.Header) error {
	v := c.newT()
	if err := proto.Unmarshal(c.buf.Bytes(), v); err != nil {
		return fmt.Errorf("entity: proto unmarshal: %w", err)
	}
	c.value = v
	return nil
}

func (c *ProtoConsumer[T]) Content() T { return c.value }
