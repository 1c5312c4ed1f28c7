package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launch(t *testing.T, command string, args ...string) Handle {
	t.Helper()
	h, err := Command(command, args, nil, nil)()
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Terminate()
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return h
}

func receive(t *testing.T, h Handle) Message {
	t.Helper()
	select {
	case msg, ok := <-h.Messages():
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	// cat echoes every line we write, so the frame comes back intact.
	h := launch(t, "cat")

	require.NoError(t, h.Send(Message{Type: MsgPing, PingID: "p1"}))

	msg := receive(t, h)
	assert.Equal(t, MsgPing, msg.Type)
	assert.Equal(t, "p1", msg.PingID)

	require.NoError(t, h.Send(Message{
		Type:   MsgTask,
		TaskID: "tk-0badf00d",
		Data:   map[string]interface{}{"target": "all"},
	}))

	msg = receive(t, h)
	assert.Equal(t, MsgTask, msg.Type)
	assert.Equal(t, "tk-0badf00d", msg.TaskID)
	assert.Equal(t, "all", msg.Data["target"])
}

func TestMalformedLine(t *testing.T) {
	h := launch(t, "sh", "-c", "echo not json at all; cat")

	msg := receive(t, h)
	assert.Equal(t, MsgMalformed, msg.Type)
	assert.Equal(t, "not json at all", msg.Text)
}

func TestMissingTypeIsMalformed(t *testing.T) {
	h := launch(t, "sh", "-c", `echo '{"task_id":"tk-1"}'; cat`)

	msg := receive(t, h)
	assert.Equal(t, MsgMalformed, msg.Type)
}

func TestTerminate(t *testing.T) {
	h := launch(t, "cat")
	assert.True(t, h.Alive())
	assert.Greater(t, h.PID(), 0)

	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after terminate")
	}

	assert.False(t, h.Alive())
	assert.ErrorIs(t, h.Send(Message{Type: MsgPing}), ErrNotAlive)
}

func TestDoneOnSelfExit(t *testing.T) {
	h := launch(t, "sh", "-c", `echo '{"type":"ready"}'`)

	msg := receive(t, h)
	assert.Equal(t, MsgReady, msg.Type)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	_, ok := <-h.Messages()
	assert.False(t, ok, "message channel should be closed after exit")
}
