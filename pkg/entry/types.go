// Package entry defines the session log's data model: an immutable,
// tree-structured log of entries forming one conversation.
package entry

import "time"

// Kind is the closed variant set of entry kinds.
type Kind string

const (
	TypeMessage       Kind = "message"
	TypeThinkingLevel Kind = "thinking_level_change"
	TypeModelChange   Kind = "model_change"
	TypeCompaction    Kind = "compaction"
	TypeBranchSummary Kind = "branch_summary"
	TypeLabel         Kind = "label"
	TypeSessionInfo   Kind = "session_info"
	TypeCustom        Kind = "custom"
	TypeCustomMessage Kind = "custom_message"
)

// Role identifies the sender of a Message entry.
type Role string

const (
	RoleUser              Role = "user"
	RoleAssistant         Role = "assistant"
	RoleToolResult        Role = "tool_result"
	RoleBashExecution     Role = "bash_execution"
	RoleCustom            Role = "custom"
	RoleBranchSummary     Role = "branch_summary"
	RoleCompactionSummary Role = "compaction_summary"
)

// ThinkingLevel is the model's reasoning-effort setting.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ContentType is the closed variant set of content-block kinds.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentThinking ContentType = "thinking"
	ContentToolCall ContentType = "tool_call"
)

// Content is an ordered content-block tagged union. Exactly one of the
// pointer payload fields is set, matching Type.
type Content struct {
	Type ContentType `json:"type"`

	Text     *TextContent     `json:"text,omitempty"`
	Image    *ImageContent    `json:"image,omitempty"`
	Thinking *ThinkingContent `json:"thinking,omitempty"`
	ToolCall *ToolCallContent `json:"tool_call,omitempty"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type ThinkingContent struct {
	Thinking string `json:"thinking"`
}

type ToolCallContent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TextBlock is a convenience constructor used throughout the runtime and by
// tests.
func TextBlock(s string) Content {
	return Content{Type: ContentText, Text: &TextContent{Text: s}}
}

// PlainText joins the textual blocks of a content sequence with "\n",
// skipping non-textual blocks
func PlainText(blocks []Content) string {
	var out string
	for _, b := range blocks {
		if b.Type != ContentText || b.Text == nil {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text.Text
	}
	return out
}

// AgentRef records which configured agent persona owns a session.
type AgentRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Header is the first line of a serialized session file.
type Header struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parent_session,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Agent         *AgentRef `json:"agent,omitempty"`
}

// CurrentVersion is the header version this package writes; SessionLog
// migrates older versions up to it on load.
const CurrentVersion = 3

// Entry is an immutable record in the session log.
type Entry struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	Timestamp int64  `json:"timestamp"` // wall-clock millis at creation
	Type      Kind   `json:"type"`

	Message       *MessageEntry       `json:"message,omitempty"`
	ThinkingLevel *ThinkingLevelEntry `json:"thinking_level,omitempty"`
	ModelChange   *ModelChangeEntry   `json:"model_change,omitempty"`
	Compaction    *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryEntry `json:"branch_summary,omitempty"`
	Label         *LabelEntry         `json:"label,omitempty"`
	SessionInfo   *SessionInfoEntry   `json:"session_info,omitempty"`
	Custom        *CustomEntry        `json:"custom,omitempty"`
	CustomMessage *CustomMessageEntry `json:"custom_message,omitempty"`
}

type MessageEntry struct {
	Role     Role           `json:"role"`
	Content  []Content      `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ThinkingLevelEntry struct {
	Level ThinkingLevel `json:"level"`
}

type ModelChangeEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

type CompactionEntry struct {
	Summary          string         `json:"summary"`
	FirstKeptEntryID string         `json:"first_kept_entry_id"`
	TokensBefore     int            `json:"tokens_before"`
	Details          map[string]any `json:"details,omitempty"`
}

type BranchSummaryEntry struct {
	FromID  string         `json:"from_id"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

type LabelEntry struct {
	TargetID string `json:"target_id"`
	Label    string `json:"label"`
}

type SessionInfoEntry struct {
	Name string `json:"name"`
}

type CustomEntry struct {
	CustomType string         `json:"custom_type"`
	Data       map[string]any `json:"data"`
}

type CustomMessageEntry struct {
	CustomType string         `json:"custom_type"`
	Content    []Content      `json:"content"`
	Display    *bool          `json:"display,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// TreeNode is a recursive view of the branch tree rooted at (or below) a
// given entry, annotated with any label set on it.
type TreeNode struct {
	Entry    Entry      `json:"entry"`
	Label    string     `json:"label,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// Context is the LM-visible materialization of one branch.
type Context struct {
	Messages      []Entry
	ThinkingLevel ThinkingLevel
	Model         ModelChangeEntry
}
