package entity

import "sync"

// ChanProducer streams chunks received from a channel until it is closed.
// It is not repeatable and declares no length.
type ChanProducer struct {
	src         <-chan []byte
	contentType string

	mu      sync.Mutex
	pending []byte
	eof     bool
	ended   bool
	waiting bool
	failure error
	done    chan struct{}
}

func NewChanProducer(src <-chan []byte, contentType string) *ChanProducer {
	return &ChanProducer{src: src, contentType: contentType, done: make(chan struct{})}
}

func (p *ChanProducer) ContentLength() int64    { return -1 }
func (p *ChanProducer) ContentType() string     { return p.contentType }
func (p *ChanProducer) ContentEncoding() string { return "" }
func (p *ChanProducer) IsChunked() bool         { return true }
func (p *ChanProducer) TrailerNames() []string  { return nil }
func (p *ChanProducer) IsRepeatable() bool      { return false }

func (p *ChanProducer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		return len(p.pending)
	}
	return -1
}

func (p *ChanProducer) Produce(ch DataStreamChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.ended && p.failure == nil {
		if len(p.pending) > 0 {
			n, err := ch.Write(p.pending)
			if err != nil {
				return err
			}
			p.pending = p.pending[n:]
			if len(p.pending) > 0 {
				return nil
			}
			continue
		}
		if p.eof {
			p.ended = true
			return ch.EndStream(nil)
		}
		if p.waiting {
			return nil
		}
		select {
		case b, ok := <-p.src:
			if !ok {
				p.eof = true
			} else {
				p.pending = b
			}
		default:
			p.waiting = true
			go p.await(ch)
			return nil
		}
	}
	return nil
}

// await blocks off the driver until the source has something, then asks
// for another Produce call.
func (p *ChanProducer) await(ch DataStreamChannel) {
	var (
		b  []byte
		ok bool
	)
	select {
	case b, ok = <-p.src:
	case <-p.done:
		return
	}

	p.mu.Lock()
	p.waiting = false
	if !ok {
		p.eof = true
	} else {
		p.pending = b
	}
	p.mu.Unlock()
	ch.RequestOutput()
}

func (p *ChanProducer) Failed(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure == nil {
		p.failure = cause
	}
}

func (p *ChanProducer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
