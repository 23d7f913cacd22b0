// Package stream turns the heterogeneous inbound event stream of one
// provider into a clean transcript. It is a per-provider state machine with
// duplicate suppression: the transport may deliver the same logical content
// twice (a streaming assistant event followed by a result event with
// identical text), and neither copy may appear in history more than once.
package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/workspace/bridgeclient/internal/store"
)

// State is the normalizer's position in a provider turn.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming-text"
	StateToolUse      State = "tool-use"
)

// Config wires a Normalizer to its provider's slice of the store.
type Config struct {
	Provider store.Provider
	Store    *store.Store

	// Windows maps a model-name fragment to its context ceiling; the ""
	// entry is the fallback. Longest matching fragment wins.
	Windows map[string]int

	// OnSessionStarted fires when the server confirms a session identifier.
	OnSessionStarted func(sessionID string)
	// OnSessionEnded fires when a turn completes or the session goes away,
	// with the identifier that was live (possibly empty).
	OnSessionEnded func(sessionID string)

	Logger *slog.Logger
}

// Normalizer consumes raw inbound frames for one provider. Frames for a
// given provider are handled strictly in arrival order; HandleFrame is
// called from the channel's read pump.
type Normalizer struct {
	provider  store.Provider
	st        *store.Store
	windows   map[string]int
	onStarted func(string)
	onEnded   func(string)
	log       *slog.Logger

	mu                sync.Mutex
	state             State
	dedup             *dedupRing
	lastAssistantText string
	streamingID       string // in-progress message being edited in place
	streamingText     string
	lastToolLabel     string
	restarting        bool
}

// New creates a normalizer for one provider.
func New(cfg Config) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Windows == nil {
		cfg.Windows = map[string]int{"": 200_000}
	}
	return &Normalizer{
		provider:  cfg.Provider,
		st:        cfg.Store,
		windows:   cfg.Windows,
		onStarted: cfg.OnSessionStarted,
		onEnded:   cfg.OnSessionEnded,
		log:       cfg.Logger,
		state:     StateIdle,
		dedup:     newDedupRing(dedupCapacity),
	}
}

// State returns the current turn state.
func (n *Normalizer) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// BeginPrompt is called when the user sends a message: the session is
// initializing until the server confirms an identifier, streaming otherwise.
func (n *Normalizer) BeginPrompt() {
	n.mu.Lock()
	if n.st.SessionID(n.provider) == "" {
		n.state = StateInitializing
	} else {
		n.state = StateStreaming
	}
	n.streamingID = ""
	n.streamingText = ""
	n.mu.Unlock()
}

// MarkRestarting suppresses the next session-closed notice. An explicit
// restart closes the old session on purpose; surfacing that closure would
// read as an error.
func (n *Normalizer) MarkRestarting() {
	n.mu.Lock()
	n.restarting = true
	n.mu.Unlock()
}

// frame covers every inbound event shape this normalizer consumes.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Used      int             `json:"used,omitempty"`
}

// HandleFrame routes one raw inbound frame. Frames addressed to other
// providers and unknown frame types are ignored; malformed frames are
// logged and dropped without affecting the channel.
func (n *Normalizer) HandleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		n.log.Warn("malformed frame dropped", "error", err)
		return
	}

	prefix := string(n.provider) + "-"
	switch {
	case f.Type == prefix+"session-started":
		n.handleSessionStarted(f.SessionID)
	case f.Type == "session-not-found":
		if n.isDuplicate(f) {
			return
		}
		n.handleSessionNotFound()
	case f.Type == prefix+"session-closed":
		n.handleSessionClosed(f)
	case f.Type == prefix+"response":
		if n.isDuplicate(f) {
			return
		}
		n.handleResponse(f.Data)
	case f.Type == prefix+"error":
		if n.isDuplicate(f) {
			return
		}
		n.handleError(f.Error)
	case f.Type == prefix+"complete":
		n.finishTurn("")
	case f.Type == "session-aborted":
		if n.isDuplicate(f) {
			return
		}
		n.handleAborted()
	case f.Type == "context-usage":
		if f.Provider == string(n.provider) {
			n.st.SetEstimatedTokens(n.provider, f.Used)
		}
	}
}

// isDuplicate marks the frame's composite key as seen and reports whether
// it already was.
func (n *Normalizer) isDuplicate(f frame) bool {
	key := f.Type + "|" + f.SessionID + "|" + string(f.Data) + "|" + f.Error
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dedup.seen(key) {
		n.log.Debug("duplicate event dropped", "type", f.Type)
		return true
	}
	return false
}

func (n *Normalizer) handleSessionStarted(id string) {
	n.mu.Lock()
	n.state = StateStreaming
	n.mu.Unlock()

	n.st.SetSessionID(n.provider, id)
	n.st.SetActive(n.provider, true)
	if n.onStarted != nil {
		n.onStarted(id)
	}
	n.log.Info("session started", "provider", string(n.provider), "sessionId", id)
}

func (n *Normalizer) handleSessionNotFound() {
	old := n.st.SessionID(n.provider)
	n.st.SetSessionID(n.provider, "")
	n.st.SetActive(n.provider, false)
	n.st.AddMessage(n.provider, store.Message{
		Type: store.MessageSystem,
		Text: "The previous session has expired. A new session will be created with your next message.",
	})
	n.resetTurn()
	if n.onEnded != nil {
		n.onEnded(old)
	}
}

// handleSessionClosed checks restart suppression before the dedup guard so
// a closure swallowed by an explicit restart does not mark the key seen and
// mask the next genuine closure.
func (n *Normalizer) handleSessionClosed(f frame) {
	n.mu.Lock()
	if n.restarting {
		n.restarting = false
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	if n.isDuplicate(f) {
		return
	}

	old := n.st.SessionID(n.provider)
	n.st.SetSessionID(n.provider, "")
	n.st.SetActive(n.provider, false)
	n.st.AddMessage(n.provider, store.Message{
		Type: store.MessageSystem,
		Text: "Session closed.",
	})
	n.resetTurn()
	if n.onEnded != nil {
		n.onEnded(old)
	}
}

func (n *Normalizer) handleError(errText string) {
	if errText == "" {
		errText = "The provider reported an unknown error."
	}
	n.st.AddMessage(n.provider, store.Message{
		Type: store.MessageError,
		Text: errText,
	})
	// An error must never leave the user stuck behind the activity lock.
	n.finishTurn("")
}

func (n *Normalizer) handleAborted() {
	n.st.AddMessage(n.provider, store.Message{
		Type: store.MessageSystem,
		Text: "Session aborted.",
	})
	n.finishTurn("")
}

// responseData is the payload of a "<provider>-response" frame.
type responseData struct {
	Type    string            `json:"type"`
	Name    string            `json:"name,omitempty"` // tool name for tool_use
	Message *assistantMessage `json:"message,omitempty"`
	Result  string            `json:"result,omitempty"`
	Model   string            `json:"model,omitempty"`
	Usage   *usageInfo        `json:"usage,omitempty"`
}

type assistantMessage struct {
	Content json.RawMessage `json:"content"` // string or content-block array
	Model   string          `json:"model,omitempty"`
	Usage   *usageInfo      `json:"usage,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type usageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (n *Normalizer) handleResponse(data json.RawMessage) {
	var d responseData
	if err := json.Unmarshal(data, &d); err != nil {
		n.log.Warn("malformed response payload dropped", "error", err)
		return
	}

	model := d.Model
	if model == "" && d.Message != nil {
		model = d.Message.Model
	}
	n.accountUsage(&d, model)

	switch d.Type {
	case "tool_use":
		n.handleToolUse(d.Name)
	case "assistant":
		n.handleAssistant(&d, model)
	case "completion":
		n.handleCompletion(&d, model)
	case "result":
		n.handleResult(d.Result, model)
	default:
		n.log.Debug("unhandled response type", "type", d.Type)
	}
}

// handleToolUse surfaces the tool through typing status, not history.
// Repeated events for the same tool are suppressed to avoid flicker.
func (n *Normalizer) handleToolUse(name string) {
	if name == "" {
		name = "tool"
	}
	n.mu.Lock()
	if n.lastToolLabel == name {
		n.mu.Unlock()
		return
	}
	n.lastToolLabel = name
	n.state = StateToolUse
	n.mu.Unlock()

	if n.uiVisible() {
		n.st.SetToolStatus("Using " + name)
	}
}

// handleAssistant appends a finalized assistant message. Tool-use blocks
// embedded in the content surface as tool status.
func (n *Normalizer) handleAssistant(d *responseData, model string) {
	if d.Message == nil {
		return
	}
	text, tools := flattenContent(d.Message.Content)
	for _, tool := range tools {
		n.handleToolUse(tool)
	}
	if text == "" {
		return
	}

	n.mu.Lock()
	n.state = StateStreaming
	n.lastAssistantText = text
	n.streamingID = ""
	n.streamingText = ""
	n.lastToolLabel = ""
	n.mu.Unlock()

	if n.uiVisible() {
		n.st.SetTyping(true)
	}
	n.st.AddMessage(n.provider, store.Message{
		Type:  store.MessageAssistant,
		Text:  text,
		Model: model,
	})
}

// handleCompletion applies an incremental text chunk to the single
// in-progress message, editing it in place under a stable ID.
func (n *Normalizer) handleCompletion(d *responseData, model string) {
	var chunk string
	if d.Message != nil {
		chunk, _ = flattenContent(d.Message.Content)
	}
	if chunk == "" {
		chunk = d.Result
	}
	if chunk == "" {
		return
	}

	n.mu.Lock()
	n.state = StateStreaming
	n.streamingText += chunk
	text := n.streamingText
	n.lastAssistantText = text
	id := n.streamingID
	n.mu.Unlock()

	if n.uiVisible() {
		n.st.SetTyping(true)
	}
	if id == "" {
		id = n.st.AddMessage(n.provider, store.Message{
			Type:  store.MessageAssistant,
			Text:  text,
			Model: model,
		})
		n.mu.Lock()
		n.streamingID = id
		n.mu.Unlock()
		return
	}
	n.st.UpdateMessageText(n.provider, id, text)
}

// handleResult finalizes the turn. A result repeating the text already
// emitted by the streaming path is suppressed; new text gets its own entry.
func (n *Normalizer) handleResult(text, model string) {
	n.mu.Lock()
	duplicate := text != "" && normalizeText(text) == normalizeText(n.lastAssistantText)
	n.mu.Unlock()

	if text != "" && !duplicate {
		n.st.AddMessage(n.provider, store.Message{
			Type:  store.MessageAssistant,
			Text:  text,
			Model: model,
		})
	}
	n.finishTurn(model)
}

// finishTurn returns to idle after any terminal event: the remembered
// assistant text is cleared so the next turn starts fresh, and every
// transient activity signal is dropped.
func (n *Normalizer) finishTurn(model string) {
	n.resetTurn()
	if model != "" {
		n.st.SetMaxContext(n.provider, n.windowFor(model))
	}
	if n.uiVisible() {
		n.st.SetTyping(false)
		n.st.SetActivityLock(false)
	}
	n.st.SetActive(n.provider, false)
	if n.onEnded != nil {
		n.onEnded(n.st.SessionID(n.provider))
	}
}

// uiVisible reports whether this normalizer's provider owns the shared
// typing/tool/lock indicators right now. A background provider's turn must
// not flip the visible provider's indicators.
func (n *Normalizer) uiVisible() bool {
	return n.st.ActiveProvider() == n.provider
}

func (n *Normalizer) resetTurn() {
	n.mu.Lock()
	n.state = StateIdle
	n.lastAssistantText = ""
	n.streamingID = ""
	n.streamingText = ""
	n.lastToolLabel = ""
	n.mu.Unlock()
}

func (n *Normalizer) accountUsage(d *responseData, model string) {
	usage := d.Usage
	if usage == nil && d.Message != nil {
		usage = d.Message.Usage
	}
	if usage != nil {
		n.st.AddTokens(n.provider, usage.InputTokens+usage.OutputTokens)
	}
	if model != "" {
		n.st.SetMaxContext(n.provider, n.windowFor(model))
	}
}

// windowFor resolves the context ceiling for a model name: the longest
// configured fragment contained in the name wins, "" is the fallback.
func (n *Normalizer) windowFor(model string) int {
	best := n.windows[""]
	bestLen := 0
	for fragment, ceiling := range n.windows {
		if fragment == "" {
			continue
		}
		if strings.Contains(model, fragment) && len(fragment) > bestLen {
			best = ceiling
			bestLen = len(fragment)
		}
	}
	return best
}

// flattenContent extracts text from a content field that is either a plain
// string or an array of content blocks, returning embedded tool names too.
func flattenContent(raw json.RawMessage) (text string, tools []string) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var b strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		case "tool_use":
			tools = append(tools, block.Name)
		}
	}
	return b.String(), tools
}

// normalizeText is the comparison form used for duplicate detection:
// surrounding whitespace is not significant.
func normalizeText(s string) string {
	return strings.TrimSpace(s)
}
