package entity

import "github.com/crazyfrankie/zhttp/message"

// DiscardingConsumer drops the body and counts its bytes.
type DiscardingConsumer struct {
	n   int64
	cap CapacityChannel
}

func NewDiscardingConsumer() *DiscardingConsumer { return &DiscardingConsumer{} }

func (c *DiscardingConsumer) StreamStart(Details) error { return nil }

func (c *DiscardingConsumer) UpdateCapacity(ch CapacityChannel) error {
	c.cap = ch
	return ch.Update(UnboundedCapacity)
}

func (c *DiscardingConsumer) Consume(p []byte) error {
	c.n += int64(len(p))
	return c.cap.Update(len(p))
}

func (c *DiscardingConsumer) StreamEnd(message.Header) error { return nil }
func (c *DiscardingConsumer) Content() int64                  { return c.n }
func (c *DiscardingConsumer) Failed(error)                    {}
func (c *DiscardingConsumer) Release()                        {}
