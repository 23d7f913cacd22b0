package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/bridgeclient/internal/store"
)

func newTestNormalizer(t *testing.T) (*Normalizer, *store.Store) {
	t.Helper()
	st := store.New([]store.Provider{"claude"}, nil, nil)
	n := New(Config{
		Provider: "claude",
		Store:    st,
		Windows:  map[string]int{"": 200_000, "opus": 1_000_000},
	})
	return n, st
}

func TestAssistantThenIdenticalResultProducesOneEntry(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"assistant","message":{"content":"Hello"}}}`))
	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"result","result":"Hello"}}`))

	msgs := st.Messages("claude")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.Equal(t, store.MessageAssistant, msgs[0].Type)
	assert.False(t, st.UI().Typing, "typing indicator must clear on result")
	assert.Equal(t, StateIdle, n.State())
}

func TestResultWithDifferentTextProducesSecondEntry(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"assistant","message":{"content":"draft answer"}}}`))
	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"result","result":"final answer"}}`))

	msgs := st.Messages("claude")
	require.Len(t, msgs, 2)
	assert.Equal(t, "draft answer", msgs[0].Text)
	assert.Equal(t, "final answer", msgs[1].Text)
}

func TestSuppressionResetsBetweenTurns(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"assistant","message":{"content":"same"}}}`))
	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"s1","data":{"type":"result","result":"same"}}`))
	// Next turn: a result with that exact text is new content.
	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"s2","data":{"type":"result","result":"same"}}`))

	require.Len(t, st.Messages("claude"), 2)
}

func TestDuplicateEventsDropped(t *testing.T) {
	n, st := newTestNormalizer(t)

	raw := []byte(`{"type":"claude-response","sessionId":"s1","data":{"type":"assistant","message":{"content":"once"}}}`)
	n.HandleFrame(raw)
	n.HandleFrame(raw)
	n.HandleFrame(raw)

	require.Len(t, st.Messages("claude"), 1, "duplicate frames must not reach the transcript")
}

func TestBackgroundProviderLeavesVisibleIndicatorsAlone(t *testing.T) {
	st := store.New([]store.Provider{"claude", "cursor"}, nil, nil)
	background := New(Config{Provider: "cursor", Store: st})

	// claude is active and mid-turn.
	st.SetTyping(true)
	st.SetActivityLock(true)
	st.SetToolStatus("Using Bash")

	background.HandleFrame([]byte(`{"type":"cursor-response","data":{"type":"assistant","message":{"content":"bg"}}}`))
	background.HandleFrame([]byte(`{"type":"cursor-response","data":{"type":"result","result":"bg"}}`))

	assert.True(t, st.UI().Typing, "background turn must not clear visible typing")
	assert.True(t, st.UI().ActivityLock, "background turn must not release the visible lock")
	assert.Equal(t, "Using Bash", st.UI().ToolStatus)
	// The background transcript and session state still update normally.
	require.Len(t, st.Messages("cursor"), 1)
	assert.False(t, st.Session("cursor").Active)
}

func TestDuplicateLifecycleFramesDropped(t *testing.T) {
	n, st := newTestNormalizer(t)
	st.SetSessionID("claude", "sess-1")

	n.HandleFrame([]byte(`{"type":"session-not-found"}`))
	n.HandleFrame([]byte(`{"type":"session-not-found"}`))
	require.Len(t, st.Messages("claude"), 1, "one expiry notice for duplicated frames")

	n.HandleFrame([]byte(`{"type":"session-aborted"}`))
	n.HandleFrame([]byte(`{"type":"session-aborted"}`))
	require.Len(t, st.Messages("claude"), 2, "one abort notice for duplicated frames")

	st.SetSessionID("claude", "sess-2")
	n.HandleFrame([]byte(`{"type":"claude-session-closed"}`))
	n.HandleFrame([]byte(`{"type":"claude-session-closed"}`))
	require.Len(t, st.Messages("claude"), 3, "one closure notice for duplicated frames")
}

func TestDedupRingBoundsMemory(t *testing.T) {
	r := newDedupRing(200)
	for i := 0; i < 201; i++ {
		r.seen(fmt.Sprintf("key-%d", i))
	}
	assert.LessOrEqual(t, r.len(), 101, "overflow must evict the oldest half")
	assert.False(t, r.seen("key-5"), "evicted keys are forgotten")
	assert.True(t, r.seen("key-200"), "recent keys are retained")
}

func TestSessionStartedAdoptsIdentifier(t *testing.T) {
	st := store.New([]store.Provider{"claude"}, nil, nil)
	var started []string
	n := New(Config{
		Provider:         "claude",
		Store:            st,
		OnSessionStarted: func(id string) { started = append(started, id) },
	})

	n.BeginPrompt()
	assert.Equal(t, StateInitializing, n.State())

	n.HandleFrame([]byte(`{"type":"claude-session-started","sessionId":"sess-123"}`))

	assert.Equal(t, "sess-123", st.SessionID("claude"))
	assert.True(t, st.Session("claude").Active)
	require.Len(t, started, 1)
	assert.Equal(t, "sess-123", started[0])
	assert.NotEqual(t, StateInitializing, n.State(), "initializing flag clears on confirmation")
}

func TestSessionNotFoundClearsIdentifier(t *testing.T) {
	n, st := newTestNormalizer(t)
	st.SetSessionID("claude", "sess-old")
	st.SetActive("claude", true)

	n.HandleFrame([]byte(`{"type":"session-not-found"}`))

	assert.Empty(t, st.SessionID("claude"))
	assert.False(t, st.Session("claude").Active)
	msgs := st.Messages("claude")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageSystem, msgs[0].Type)
	assert.Contains(t, msgs[0].Text, "expired")
}

func TestSessionClosedSuppressedDuringRestart(t *testing.T) {
	n, st := newTestNormalizer(t)
	st.SetSessionID("claude", "sess-1")

	n.MarkRestarting()
	n.HandleFrame([]byte(`{"type":"claude-session-closed"}`))

	assert.Equal(t, "sess-1", st.SessionID("claude"), "restart must not clear the identifier")
	assert.Empty(t, st.Messages("claude"), "restart closure must not produce a notice")

	// A later, genuine closure behaves normally.
	n.HandleFrame([]byte(`{"type":"claude-session-closed"}`))
	assert.Empty(t, st.SessionID("claude"))
	require.Len(t, st.Messages("claude"), 1)
}

func TestToolUseSetsStatusWithoutTranscriptEntry(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"a","data":{"type":"tool_use","name":"Bash"}}`))

	assert.Equal(t, "Using Bash", st.UI().ToolStatus)
	assert.True(t, st.UI().Typing)
	assert.Empty(t, st.Messages("claude"), "tool use is status, not history")
	assert.Equal(t, StateToolUse, n.State())
}

func TestRepeatedToolStatusSuppressed(t *testing.T) {
	st := store.New([]store.Provider{"claude"}, nil, nil)
	n := New(Config{Provider: "claude", Store: st})

	var mu sync.Mutex
	notifications := 0
	unsub := st.Subscribe(func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	})
	defer unsub()

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"a","data":{"type":"tool_use","name":"Read"}}`))
	mu.Lock()
	after := notifications
	mu.Unlock()

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"b","data":{"type":"tool_use","name":"Read"}}`))
	mu.Lock()
	assert.Equal(t, after, notifications, "same tool label must not re-notify")
	mu.Unlock()

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"c","data":{"type":"tool_use","name":"Write"}}`))
	assert.Equal(t, "Using Write", st.UI().ToolStatus)
}

func TestErrorClearsActivityLock(t *testing.T) {
	n, st := newTestNormalizer(t)
	st.SetActivityLock(true)
	st.SetTyping(true)

	n.HandleFrame([]byte(`{"type":"claude-error","error":"process exited unexpectedly"}`))

	msgs := st.Messages("claude")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageError, msgs[0].Type)
	assert.False(t, st.UI().ActivityLock, "the user must not be stuck busy after an error")
	assert.False(t, st.UI().Typing)
	assert.Equal(t, StateIdle, n.State())
}

func TestAbortClearsActivityAndNotes(t *testing.T) {
	n, st := newTestNormalizer(t)
	st.SetActivityLock(true)

	n.HandleFrame([]byte(`{"type":"session-aborted"}`))

	assert.False(t, st.UI().ActivityLock)
	msgs := st.Messages("claude")
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageSystem, msgs[0].Type)
}

func TestStreamingCompletionEditsInPlace(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"a","data":{"type":"completion","result":"Hel"}}`))
	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"b","data":{"type":"completion","result":"lo"}}`))

	msgs := st.Messages("claude")
	require.Len(t, msgs, 1, "chunks edit the single in-progress message")
	assert.Equal(t, "Hello", msgs[0].Text)

	// The finalized result repeats the streamed text; no second entry.
	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"c","data":{"type":"result","result":"Hello"}}`))
	require.Len(t, st.Messages("claude"), 1)
}

func TestUsageAccounting(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"a","data":{"type":"assistant","message":{"content":"hi","model":"claude-opus-4","usage":{"input_tokens":100,"output_tokens":20}}}}`))
	n.HandleFrame([]byte(`{"type":"claude-response","sessionId":"b","data":{"type":"result","result":"done","usage":{"input_tokens":30,"output_tokens":5}}}`))

	ctx := st.Context("claude")
	assert.Equal(t, 155, ctx.EstimatedTokens)
	assert.Equal(t, 1_000_000, ctx.MaxContext, "opus tier resolved from the window table")
}

func TestContextUsageFrame(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"context-usage","provider":"claude","used":12345}`))
	assert.Equal(t, 12345, st.Context("claude").EstimatedTokens)

	// Frames for another provider are ignored.
	n.HandleFrame([]byte(`{"type":"context-usage","provider":"cursor","used":999}`))
	assert.Equal(t, 12345, st.Context("claude").EstimatedTokens)
}

func TestFramesForOtherProvidersIgnored(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"cursor-response","data":{"type":"assistant","message":{"content":"not mine"}}}`))
	n.HandleFrame([]byte(`{"type":"cursor-session-started","sessionId":"other"}`))

	assert.Empty(t, st.Messages("claude"))
	assert.Empty(t, st.SessionID("claude"))
}

func TestMalformedFrameDropped(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{not json`))
	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"assistant","message":{"content":"still works"}}}`))

	require.Len(t, st.Messages("claude"), 1)
}

func TestContentBlockArray(t *testing.T) {
	n, st := newTestNormalizer(t)

	n.HandleFrame([]byte(`{"type":"claude-response","data":{"type":"assistant","message":{"content":[{"type":"text","text":"part one "},{"type":"tool_use","name":"Grep"},{"type":"text","text":"part two"}]}}}`))

	msgs := st.Messages("claude")
	require.Len(t, msgs, 1)
	assert.Equal(t, "part one part two", msgs[0].Text)
	assert.Equal(t, "Using Grep", st.UI().ToolStatus)
}
