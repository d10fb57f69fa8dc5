package backend

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomgrid/xapi/internal/rpc"
)

type recorder struct {
	ready  int
	data   []rpc.Message
	errs   []error
	closes []error
	dataCh chan rpc.Message
}

func newRecorder() *recorder {
	return &recorder{dataCh: make(chan rpc.Message, 16)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnReady: func() { r.ready++ },
		OnData: func(msg rpc.Message) {
			r.data = append(r.data, msg)
			r.dataCh <- msg
		},
		OnError: func(err error) { r.errs = append(r.errs, err) },
		OnClose: func(err error) { r.closes = append(r.closes, err) },
	}
}

func TestDefaultHandlerRejectsUnknownMethod(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	err := b.Execute(rpc.NewRequest("1", "xCommand/Dial", map[string]any{"Number": "user@example.com"}))
	require.NoError(t, err)

	require.Len(t, rec.data, 1)
	resp := rec.data[0].Response
	assert.Equal(t, "1", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequestMethod, resp.Error.Message)
}

func TestRegisteredHandlerSynchronousResult(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Register("xCommand", func(req rpc.Request, send func(result any)) error {
		send(42)
		return nil
	})

	require.NoError(t, b.Execute(rpc.NewRequest("request-1", "xCommand/Dial", nil)))

	require.Len(t, rec.data, 1)
	resp := rec.data[0].Response
	assert.Equal(t, "request-1", resp.ID)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "42", string(resp.Result))
}

func TestHandlerDeviceErrorBecomesErrorResponse(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Register("xCommand", func(req rpc.Request, send func(result any)) error {
		return &rpc.Error{Code: 0, Message: "Some XAPI thing went wrong"}
	})

	require.NoError(t, b.Execute(rpc.NewRequest("2", "xCommand/Dial", nil)))

	require.Len(t, rec.data, 1)
	resp := rec.data[0].Response
	assert.Equal(t, "2", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 0, resp.Error.Code)
	assert.Equal(t, "Some XAPI thing went wrong", resp.Error.Message)
}

func TestHandlerPanicIsContained(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Register("xCommand", func(req rpc.Request, send func(result any)) error {
		panic(errors.New("handler exploded"))
	})

	require.NotPanics(t, func() {
		require.NoError(t, b.Execute(rpc.NewRequest("3", "xCommand/Boom", nil)))
	})

	require.Len(t, rec.data, 1)
	resp := rec.data[0].Response
	require.NotNil(t, resp.Error)
	assert.Equal(t, "handler exploded", resp.Error.Message)
}

func TestExactMethodBeatsCategoryFallback(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Register("xFeedback", func(req rpc.Request, send func(result any)) error {
		send("category")
		return nil
	})
	b.Register("xFeedback/Subscribe", func(req rpc.Request, send func(result any)) error {
		send("exact")
		return nil
	})

	require.NoError(t, b.Execute(rpc.NewRequest("4", "xFeedback/Subscribe", nil)))
	require.NoError(t, b.Execute(rpc.NewRequest("5", "xFeedback/Unsubscribe", nil)))

	require.Len(t, rec.data, 2)
	assert.JSONEq(t, `"exact"`, string(rec.data[0].Response.Result))
	assert.JSONEq(t, `"category"`, string(rec.data[1].Response.Result))
}

func TestRequestsQueueUntilReady(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)

	var served []string
	b.Register("xGet", func(req rpc.Request, send func(result any)) error {
		served = append(served, req.ID)
		send(nil)
		return nil
	})

	require.NoError(t, b.Execute(rpc.NewRequest("1", "xGet", nil)))
	require.NoError(t, b.Execute(rpc.NewRequest("2", "xGet", nil)))
	require.NoError(t, b.Execute(rpc.NewRequest("3", "xGet", nil)))

	assert.Empty(t, served, "no request may execute before ready")
	assert.Equal(t, StateConnecting, b.State())

	b.MarkReady()
	assert.Equal(t, 1, rec.ready)
	assert.Equal(t, []string{"1", "2", "3"}, served)
	assert.Equal(t, StateReady, b.State())

	// The gate opens only once.
	b.MarkReady()
	assert.Equal(t, 1, rec.ready)
}

func TestAsynchronousHandlerSend(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Register("xCommand", func(req rpc.Request, send func(result any)) error {
		go send("later")
		return nil
	})

	require.NoError(t, b.Execute(rpc.NewRequest("9", "xCommand/Slow", nil)))

	select {
	case msg := <-rec.dataCh:
		assert.Equal(t, "9", msg.Response.ID)
		assert.JSONEq(t, `"later"`, string(msg.Response.Result))
	case <-time.After(time.Second):
		t.Fatal("async handler result never arrived")
	}
}

func TestFeedRoutesParsedMessages(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Feed([]byte(`{"jsonrpc":"2.0","id":"1","result":{"status":"OK"}}`))
	b.Feed([]byte(`{"jsonrpc":"2.0","method":"xFeedback/Event","params":{"Path":["Status","Call"]}}`))
	b.Feed([]byte(`this is not json`))
	b.Feed([]byte(`{"jsonrpc":"2.0","method":"xBogus"}`))

	require.Len(t, rec.data, 2)
	assert.Equal(t, rpc.KindResponse, rec.data[0].Kind)
	assert.Equal(t, rpc.KindFeedback, rec.data[1].Kind)
	assert.Empty(t, rec.errs, "parse errors are logged, not surfaced")
}

func TestCloseIsTerminalAndFiresOnce(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	cause := errors.New("socket gone")
	b.Close(cause)
	b.Close(errors.New("again"))

	require.Len(t, rec.closes, 1)
	assert.Equal(t, cause, rec.closes[0])
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(rpc.NewRequest("1", "xGet", nil)), ErrClosed)

	b.Feed([]byte(`{"jsonrpc":"2.0","id":"1","result":1}`))
	b.Send("1", "late")
	assert.Empty(t, rec.data, "no data events after close")
}

func TestSendEmitsResponseEnvelope(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	b.Send("request-1", map[string]any{"Volume": 50})

	require.Len(t, rec.data, 1)
	resp := rec.data[0].Response
	assert.Equal(t, rpc.Version, resp.JSONRPC)
	assert.Equal(t, "request-1", resp.ID)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, float64(50), result["Volume"])
}

func TestFailSurfacesTransportError(t *testing.T) {
	rec := newRecorder()
	b := New(rec.callbacks(), nil)
	b.MarkReady()

	cause := errors.New("read: connection reset")
	b.Fail(cause)

	require.Len(t, rec.errs, 1)
	assert.Equal(t, cause, rec.errs[0])
	assert.Equal(t, StateReady, b.State(), "errors alone are not fatal")
}
