package ws_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-web/internal/ws"
)

func TestHandleControlMessages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		wantType  string
		wantTask  string // задача канала после обработки
		wantError string // ожидаемый error_type для события error
	}{
		{name: "ping", input: `{"type":"ping"}`, wantType: "pong", wantTask: "A"},
		{name: "subscribe", input: `{"type":"subscribe","task_id":"B"}`, wantType: "info", wantTask: "B"},
		{name: "extraFieldsIgnored", input: `{"type":"ping","nonce":[1,2,{"x":null}]}`, wantType: "pong", wantTask: "A"},
		{name: "notJSON", input: `hello`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
		{name: "array", input: `[1,2,3]`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
		{name: "missingType", input: `{"task_id":"B"}`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
		{name: "unknownType", input: `{"type":"dance"}`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
		{name: "subscribeWithoutTask", input: `{"type":"subscribe"}`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
		{name: "subscribeNullTask", input: `{"type":"subscribe","task_id":null}`, wantType: "error", wantTask: "A", wantError: ws.ErrorTypeInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			reg := newRegistry(t, ws.Options{})
			h := ws.NewHandler(reg)
			conn := newFakeConn()
			id := reg.Admit(conn, "A")

			h.Handle(id, []byte(tc.input))

			require.Eventually(t, func() bool { return conn.count() == 2 }, waitFor, tick)
			reply := conn.messages(t)[1]
			assert.Equal(t, tc.wantType, reply["type"])

			task, ok := reg.TaskOf(id)
			require.True(t, ok, "channel must stay admitted")
			assert.Equal(t, tc.wantTask, task)

			if tc.wantError != "" {
				entry := reply["error"].(map[string]any)
				assert.Equal(t, tc.wantError, entry["error_type"])
				assert.NotEmpty(t, entry["error"])
				assert.Equal(t, "A", reply["task_id"])
			}
		})
	}
}

func TestSubscribeConfirmation(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, ws.Options{})
	h := ws.NewHandler(reg)
	conn := newFakeConn()
	id := reg.Admit(conn, ws.DefaultTaskID)

	h.Handle(id, []byte(`{"type":"subscribe","task_id":"job42"}`))

	require.Eventually(t, func() bool { return conn.count() == 2 }, waitFor, tick)
	confirm := conn.messages(t)[1]
	assert.Equal(t, "Subscribed to task: job42", confirm["message"])
	assert.Equal(t, "job42", confirm["task_id"])
	assert.Empty(t, reg.Members(ws.DefaultTaskID))
	assert.Equal(t, []string{id}, reg.Members("job42"))
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, ws.Options{})
	h := ws.NewHandler(reg)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), conn, "")
	}()

	require.Eventually(t, func() bool { return len(reg.Members(ws.DefaultTaskID)) == 1 }, waitFor, tick)

	conn.in <- []byte(`{"type":"ping"}`)
	conn.in <- []byte(`garbage`)
	conn.in <- []byte(`{"type":"subscribe","task_id":"next"}`)

	require.Eventually(t, func() bool { return conn.count() == 4 }, waitFor, tick)
	assert.Equal(t, []string{"info", "pong", "error", "info"}, conn.types(t))
	require.Len(t, reg.Members("next"), 1)

	close(conn.in)
	<-done
	assert.Zero(t, reg.Len(), "disconnect removes the channel")
	assert.Empty(t, reg.Members("next"))
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, ws.Options{})
	h := ws.NewHandler(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(ctx, newFakeConn(), "job")
	}()

	require.Eventually(t, func() bool { return reg.Len() == 1 }, waitFor, tick)
	cancel()
	<-done
	assert.Zero(t, reg.Len())
}
