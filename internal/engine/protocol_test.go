package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLine_SystemInit(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"system","subtype":"init","session_id":"abc","tools":["Bash"]}`), true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	assert.Equal(t, EventSessionInit, d.events[0].Kind)
	assert.Equal(t, "abc", d.events[0].SessionID)
}

func TestDecodeLine_StreamDeltas(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`), true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	assert.Equal(t, EventText, d.events[0].Kind)
	assert.Equal(t, "Hel", d.events[0].Text)

	d, err = decodeLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`), true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	assert.Equal(t, EventThinking, d.events[0].Kind)
	assert.Equal(t, "hmm", d.events[0].Text)

	// Subagent deltas and non-delta stream events are not surfaced.
	d, err = decodeLine([]byte(`{"type":"stream_event","parent_tool_use_id":"toolu_1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}}`), true)
	require.NoError(t, err)
	assert.Empty(t, d.events)

	d, err = decodeLine([]byte(`{"type":"stream_event","event":{"type":"message_start"}}`), true)
	require.NoError(t, err)
	assert.Empty(t, d.events)
}

func TestDecodeLine_AssistantMessage(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"plan"},
		{"type":"text","text":"Listing files"},
		{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}
	]}}`)

	// Without partial messages text and thinking come from the full message.
	d, err := decodeLine(line, false)
	require.NoError(t, err)
	require.Len(t, d.events, 3)
	assert.Equal(t, EventThinking, d.events[0].Kind)
	assert.Equal(t, EventText, d.events[1].Kind)
	assert.Equal(t, "Listing files", d.events[1].Text)
	require.Equal(t, EventToolUse, d.events[2].Kind)
	assert.Equal(t, "toolu_1", d.events[2].ToolUse.ID)
	assert.Equal(t, "Bash", d.events[2].ToolUse.Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(d.events[2].ToolUse.Input))

	// With partial messages the deltas already carried the text.
	d, err = decodeLine(line, true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	assert.Equal(t, EventToolUse, d.events[0].Kind)
}

func TestDecodeLine_Result(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"s1","total_cost_usd":0.25,"duration_ms":1500,"num_turns":3}`), true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	r := d.events[0].Result
	require.NotNil(t, r)
	assert.Equal(t, "done", r.Text)
	assert.Equal(t, "s1", r.SessionID)
	assert.InDelta(t, 0.25, r.CostUSD, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)
	assert.Equal(t, 3, r.NumTurns)
	assert.False(t, r.IsError)
}

func TestDecodeLine_ErrorResult(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"result","subtype":"error_max_turns","session_id":"s1","errors":["hit max turns"]}`), true)
	require.NoError(t, err)
	require.Len(t, d.events, 1)
	assert.True(t, d.events[0].Result.IsError)
	assert.Equal(t, "hit max turns", d.events[0].Result.Text)
}

func TestDecodeLine_ControlRequest(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"control_request","request_id":"req-7","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/tmp/x"},"tool_use_id":"toolu_9"}}`), true)
	require.NoError(t, err)
	assert.Empty(t, d.events)
	require.NotNil(t, d.control)
	assert.Equal(t, "req-7", d.control.requestID)
	assert.Equal(t, "Write", d.control.call.Name)
	assert.Equal(t, "toolu_9", d.control.call.ID)

	d, err = decodeLine([]byte(`{"type":"control_response","response":{"subtype":"success","request_id":"init-1"}}`), true)
	require.NoError(t, err)
	assert.Nil(t, d.control)
	assert.Empty(t, d.events)
}

func TestDecodeLine_UserEchoWithStringContent(t *testing.T) {
	d, err := decodeLine([]byte(`{"type":"user","message":{"role":"user","content":"plain"}}`), true)
	require.NoError(t, err)
	assert.Empty(t, d.events)
}

func TestDecodeLine_Malformed(t *testing.T) {
	_, err := decodeLine([]byte(`{not json`), true)
	assert.Error(t, err)
}

func TestEncodeUserMessage(t *testing.T) {
	line, err := encodeUserMessage(UserMessage{Text: "hello"}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.JSONEq(t, `{
		"type":"user",
		"session_id":"sess-1",
		"parent_tool_use_id":null,
		"message":{"role":"user","content":[{"type":"text","text":"hello"}]}
	}`, string(line))
}

func TestEncodePermissionDecision(t *testing.T) {
	call := ToolCall{Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}

	line, err := encodePermissionDecision("req-1", call, Decision{Allow: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_response","response":{"subtype":"success","request_id":"req-1",
		"response":{"behavior":"allow","updatedInput":{"command":"ls"}}}}`, string(line))

	line, err = encodePermissionDecision("req-2", call, Decision{Message: "timed out"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_response","response":{"subtype":"success","request_id":"req-2",
		"response":{"behavior":"deny","message":"timed out"}}}`, string(line))
}
