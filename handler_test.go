package zhttp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*", "/anything", true},
		{"/api/*", "/api/users", true},
		{"/api/*", "/apix", false},
		{"*.json", "/data/a.json", true},
		{"*.json", "/data/a.xml", false},
		{"/exact", "/exact", true},
		{"/exact", "/exact/more", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.path), "%s ~ %s", tt.pattern, tt.path)
	}
}

func factoryNamed(name string, got *string) HandlerFactory {
	return func(*message.Request) ServerExchangeHandler {
		*got = name
		return newStatusHandler(200, name)
	}
}

func TestRegistryPrecedence(t *testing.T) {
	r := newHandlerRegistry()
	var got string
	r.register("*", factoryNamed("any", &got))
	r.register("/api/*", factoryNamed("api", &got))
	r.register("/api/v1/*", factoryNamed("v1", &got))
	r.register("/api/v1/health", factoryNamed("health", &got))

	lookup := func(path string) string {
		got = ""
		f := r.lookup(path)
		require.NotNil(t, f, path)
		f(nil)
		return got
	}
	assert.Equal(t, "health", lookup("/api/v1/health"))
	assert.Equal(t, "health", lookup("/api/v1/health?verbose=1"))
	assert.Equal(t, "v1", lookup("/api/v1/users"))
	assert.Equal(t, "api", lookup("/api/v2"))
	assert.Equal(t, "any", lookup("/"))

	// re-registering replaces
	r.register("/api/*", factoryNamed("api2", &got))
	assert.Equal(t, "api2", lookup("/api/v2"))
}

func TestRegistryNoMatch(t *testing.T) {
	r := newHandlerRegistry()
	r.register("/only", NewEchoHandler)
	assert.Nil(t, r.lookup("/other"))
}

func TestChainMiddlewaresOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFactory) HandlerFactory {
			return func(req *message.Request) ServerExchangeHandler {
				order = append(order, name)
				return next(req)
			}
		}
	}
	f := chainMiddlewares(func(*message.Request) ServerExchangeHandler {
		order = append(order, "handler")
		return newStatusHandler(204, "")
	}, []Middleware{mw("outer"), mw("inner")})

	h := f(&message.Request{})
	require.NotNil(t, h)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

type captureChannel struct {
	resp *message.Response
	body entity.Producer
}

func (c *captureChannel) SendResponse(resp *message.Response, body entity.Producer) error {
	c.resp, c.body = resp, body
	return nil
}

func TestStatusHandler(t *testing.T) {
	h := newStatusHandler(404, "")
	rc := &captureChannel{}
	require.NoError(t, h.HandleRequest(context.Background(), &message.Request{}, nil, rc))
	assert.Equal(t, 404, rc.resp.Status)
	assert.Equal(t, int64(len("Not Found")), rc.body.ContentLength())
}

func TestBasicHandler(t *testing.T) {
	f := NewBasicHandler(func() entity.EntityConsumer[string] { return entity.NewStringConsumer(0) },
		func(_ context.Context, m message.Message[*message.Request, string]) (*message.Response, entity.Producer, error) {
			return message.NewResponse(200), entity.NewStringProducer(m.Head.Method + ":" + m.Body), nil
		})

	req := &message.Request{Method: "PUT"}
	h := f(req)
	rc := &captureChannel{}
	require.NoError(t, h.HandleRequest(context.Background(), req, entity.Info{Length: 3}, rc))
	assert.Nil(t, rc.resp, "responds only at stream end")

	w := &testWindow{}
	require.NoError(t, h.UpdateCapacity(w))
	require.NoError(t, h.Consume([]byte("abc")))
	require.NoError(t, h.StreamEnd(nil))
	require.NotNil(t, rc.resp)
	assert.Equal(t, int64(len("PUT:abc")), rc.body.ContentLength())

	// no body: answered from HandleRequest
	h = f(&message.Request{Method: "GET"})
	rc = &captureChannel{}
	require.NoError(t, h.HandleRequest(context.Background(), &message.Request{Method: "GET"}, nil, rc))
	require.NotNil(t, rc.resp)
}

type testWindow struct{ n int }

func (w *testWindow) Update(inc int) error {
	w.n += inc
	return nil
}
