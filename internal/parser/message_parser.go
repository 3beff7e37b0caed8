package parser

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	artifactTagOpen  = "<artifact"
	artifactTagClose = "</artifact>"
	actionTagOpen    = "<action"
	actionTagClose   = "</action>"
)

// ActionType enumerates the units of work an assistant message can embed.
type ActionType string

const (
	ActionFile  ActionType = "file"
	ActionShell ActionType = "shell"
	ActionStart ActionType = "start"
)

// Action is the payload parsed out of an <action> tag.
type Action struct {
	Type     ActionType
	FilePath string
	Content  string
}

// ArtifactData identifies one generation unit within an assistant message.
type ArtifactData struct {
	MessageID string
	ID        string
	Title     string
	Type      string
}

// ActionData carries one action event. ActionID is unique within a message.
type ActionData struct {
	MessageID  string
	ArtifactID string
	ActionID   string
	Action     Action
}

// Callbacks receives parse events as they are recognized. ActionOpen fires as
// soon as the action's type (and path, for files) is known; ActionStream fires
// repeatedly with the accumulated content of a still-open file action;
// ActionClose carries the final content, byte-for-byte what appeared between
// the tags.
type Callbacks struct {
	ArtifactOpen  func(ArtifactData)
	ArtifactClose func(ArtifactData)
	ActionOpen    func(ActionData)
	ActionStream  func(ActionData)
	ActionClose   func(ActionData)
}

type currentAction struct {
	Action
	recognized bool
}

type messageState struct {
	position        int
	insideArtifact  bool
	insideAction    bool
	currentArtifact *ArtifactData
	currentAction   currentAction
	actionID        int
}

// StreamingMessageParser scans assistant text incrementally and extracts
// artifact and action events from the embedded tag language. Input is passed
// cumulatively per message id; already-consumed characters are never
// re-processed except for an in-progress partial tag, which is held back until
// more input arrives. Malformed or unrecognized tags pass through as prose.
type StreamingMessageParser struct {
	mu        sync.Mutex
	callbacks Callbacks
	states    map[string]*messageState
}

func NewStreamingMessageParser(cb Callbacks) *StreamingMessageParser {
	return &StreamingMessageParser{
		callbacks: cb,
		states:    make(map[string]*messageState),
	}
}

// Reset discards all per-message state. Callers invoke it between completed
// exchanges, never while a message is still streaming.
func (p *StreamingMessageParser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = make(map[string]*messageState)
}

// Tracked reports how many messages currently hold incremental parse state.
func (p *StreamingMessageParser) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// Parse consumes the cumulative content of one assistant message and returns
// the newly visible prose (text outside artifact blocks) produced by this
// call. It is safe to interleave calls for different message ids.
func (p *StreamingMessageParser) Parse(messageID, input string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[messageID]
	if !ok {
		state = &messageState{}
		p.states[messageID] = state
	}

	var out strings.Builder
	i := state.position

	for i < len(input) {
		if state.insideArtifact {
			if state.insideAction {
				closeIdx := strings.Index(input[i:], actionTagClose)
				if closeIdx >= 0 {
					content := state.currentAction.Content + input[i:i+closeIdx]
					state.currentAction.Content = content
					if state.currentAction.recognized {
						p.emitActionClose(messageID, state, content)
					}
					state.insideAction = false
					state.currentAction = currentAction{}
					state.actionID++
					i += closeIdx + len(actionTagClose)
					continue
				}
				// No close tag yet. Stream the visible part of a file
				// action's content, holding back any suffix that could be
				// the beginning of the close tag.
				end := len(input) - tagPrefixOverlap(input[i:], actionTagClose)
				if state.currentAction.recognized && state.currentAction.Type == ActionFile && end > i {
					p.emitActionStream(messageID, state, state.currentAction.Content+input[i:end])
				}
				break
			}

			actionOpenIdx := strings.Index(input[i:], actionTagOpen)
			artifactCloseIdx := strings.Index(input[i:], artifactTagClose)

			switch {
			case actionOpenIdx >= 0 && (artifactCloseIdx < 0 || actionOpenIdx < artifactCloseIdx):
				tagStart := i + actionOpenIdx
				tagEnd := strings.IndexByte(input[tagStart:], '>')
				if tagEnd < 0 {
					// Partial opening tag; wait for more input.
					state.position = i
					return out.String()
				}
				tagEnd += tagStart
				state.insideAction = true
				state.currentAction = parseActionTag(input[tagStart : tagEnd+1])
				if state.currentAction.recognized {
					p.emitActionOpen(messageID, state)
				}
				i = tagEnd + 1
			case artifactCloseIdx >= 0:
				if cb := p.callbacks.ArtifactClose; cb != nil && state.currentArtifact != nil {
					cb(*state.currentArtifact)
				}
				state.insideArtifact = false
				state.currentArtifact = nil
				i += artifactCloseIdx + len(artifactTagClose)
			default:
				// Neither a full action tag nor the artifact close is
				// visible yet.
				state.position = i
				return out.String()
			}
			state.position = i
			continue
		}

		c := input[i]
		if c == '<' {
			rest := input[i:]
			switch {
			case strings.HasPrefix(rest, artifactTagOpen) && !isTagNameByte(rest, len(artifactTagOpen)):
				tagEnd := strings.IndexByte(rest, '>')
				if tagEnd < 0 {
					// Opening tag split across chunks.
					state.position = i
					return out.String()
				}
				tag := rest[:tagEnd+1]
				artifact := ArtifactData{
					MessageID: messageID,
					ID:        extractAttribute(tag, "id"),
					Title:     extractAttribute(tag, "title"),
					Type:      extractAttribute(tag, "type"),
				}
				state.insideArtifact = true
				state.currentArtifact = &artifact
				if cb := p.callbacks.ArtifactOpen; cb != nil {
					cb(artifact)
				}
				i += tagEnd + 1
			case strings.HasPrefix(artifactTagOpen, rest):
				// The whole remainder could still become the artifact tag.
				state.position = i
				return out.String()
			default:
				out.WriteByte(c)
				i++
			}
			state.position = i
			continue
		}

		out.WriteByte(c)
		i++
		state.position = i
	}

	state.position = i
	return out.String()
}

func (p *StreamingMessageParser) emitActionOpen(messageID string, state *messageState) {
	if cb := p.callbacks.ActionOpen; cb != nil {
		cb(p.actionData(messageID, state, state.currentAction.Content))
	}
}

func (p *StreamingMessageParser) emitActionStream(messageID string, state *messageState, content string) {
	if cb := p.callbacks.ActionStream; cb != nil {
		cb(p.actionData(messageID, state, content))
	}
}

func (p *StreamingMessageParser) emitActionClose(messageID string, state *messageState, content string) {
	if cb := p.callbacks.ActionClose; cb != nil {
		cb(p.actionData(messageID, state, content))
	}
}

func (p *StreamingMessageParser) actionData(messageID string, state *messageState, content string) ActionData {
	artifactID := ""
	if state.currentArtifact != nil {
		artifactID = state.currentArtifact.ID
	}
	action := state.currentAction.Action
	action.Content = content
	return ActionData{
		MessageID:  messageID,
		ArtifactID: artifactID,
		ActionID:   strconv.Itoa(state.actionID),
		Action:     action,
	}
}

var attrPatterns = map[string]*regexp.Regexp{
	"id":       regexp.MustCompile(`id="([^"]*)"`),
	"title":    regexp.MustCompile(`title="([^"]*)"`),
	"type":     regexp.MustCompile(`type="([^"]*)"`),
	"filePath": regexp.MustCompile(`filePath="([^"]*)"`),
}

func extractAttribute(tag, name string) string {
	re, ok := attrPatterns[name]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(tag)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func parseActionTag(tag string) currentAction {
	typ := ActionType(extractAttribute(tag, "type"))
	a := currentAction{Action: Action{Type: typ}}
	switch typ {
	case ActionFile:
		a.FilePath = extractAttribute(tag, "filePath")
		a.recognized = a.FilePath != ""
	case ActionShell, ActionStart:
		a.recognized = true
	default:
		// Unrecognized action types are skipped without corrupting the
		// surrounding parse.
	}
	return a
}

// isTagNameByte reports whether s[at] continues a tag name, which would mean
// the candidate tag prefix belongs to a longer, unrecognized tag.
func isTagNameByte(s string, at int) bool {
	if at >= len(s) {
		return false
	}
	c := s[at]
	return c != ' ' && c != '>' && c != '\t' && c != '\n' && c != '\r'
}

// tagPrefixOverlap reports the length of the longest suffix of s that is a
// proper prefix of tag, i.e. the number of trailing bytes that may belong to
// an incomplete occurrence of tag.
func tagPrefixOverlap(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
