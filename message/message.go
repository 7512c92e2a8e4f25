// Package message holds the heads of HTTP messages and the header set shared
// by the HTTP/1.1 and HTTP/2 codecs.
package message

// Message is a message head paired with its decoded body.
type Message[H any, B any] struct {
	Head H
	Body B
}

// New returns a Message.
func New[H any, B any](head H, body B) Message[H, B] {
	return Message[H, B]{Head: head, Body: body}
}
