package zhttp

import (
	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

// RequestProducer supplies the request of an exchange: its head and an
// optional body.
type RequestProducer interface {
	Head() *message.Request
	// Body returns nil for a request without a body.
	Body() entity.Producer
	IsRepeatable() bool
	Failed(cause error)
	Release()
}

// BasicRequestProducer pairs a request head with an entity producer.
type BasicRequestProducer struct {
	req  *message.Request
	body entity.Producer
}

func NewRequestProducer(req *message.Request, body entity.Producer) *BasicRequestProducer {
	return &BasicRequestProducer{req: req, body: body}
}

// NewRequest builds a producer for method and an absolute URL.
func NewRequest(method, url string, body entity.Producer) (*BasicRequestProducer, error) {
	req, err := message.NewRequest(method, url)
	if err != nil {
		return nil, err
	}
	return NewRequestProducer(req, body), nil
}

func (p *BasicRequestProducer) Head() *message.Request { return p.req }
func (p *BasicRequestProducer) Body() entity.Producer  { return p.body }

func (p *BasicRequestProducer) IsRepeatable() bool {
	return p.body == nil || p.body.IsRepeatable()
}

func (p *BasicRequestProducer) Failed(cause error) {}
func (p *BasicRequestProducer) Release()           {}

// attemptProducer runs one try of a retried request. Failures are kept
// from the wrapped producer so it can run again.
type attemptProducer struct {
	RequestProducer
}

func (p attemptProducer) Body() entity.Producer {
	b := p.RequestProducer.Body()
	if b == nil {
		return nil
	}
	return attemptBody{b}
}

func (p attemptProducer) Failed(error) {}

type attemptBody struct {
	entity.Producer
}

func (b attemptBody) Failed(error) {}

// attemptConsumer is the consumer side of one try. It remembers whether a
// response arrived, after which the exchange is never repeated.
type attemptConsumer[T any] struct {
	entity.EntityConsumer[T]
	started bool
}

func (c *attemptConsumer[T]) StreamStart(d entity.Details) error {
	c.started = true
	return c.EntityConsumer.StreamStart(d)
}

func (c *attemptConsumer[T]) Failed(error) {}
