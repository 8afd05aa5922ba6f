// Package types provides the core data types for the QueryMT session core.
package types

// AgentMode is the current permission posture of a session.
// Build permits writes; Plan and Review deny them at the kernel level.
type AgentMode string

const (
	ModeBuild  AgentMode = "build"
	ModePlan   AgentMode = "plan"
	ModeReview AgentMode = "review"
)

// ForkOrigin records why a session was created as a child of another.
type ForkOrigin string

const (
	ForkOriginUser       ForkOrigin = "user"
	ForkOriginDelegation ForkOrigin = "delegation"
)

// Session represents a conversation session with an agent.
type Session struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"projectID"`
	Directory       string         `json:"directory"`
	ParentID        *string        `json:"parentID,omitempty"`
	ForkOrigin      ForkOrigin     `json:"forkOrigin,omitempty"`
	Title           string         `json:"title"`
	Version         string         `json:"version"`
	Mode            AgentMode      `json:"mode"`
	LLMConfigRef    string         `json:"llmConfigRef,omitempty"`
	Summary         SessionSummary `json:"summary"`
	Share           *SessionShare  `json:"share,omitempty"`
	Time            SessionTime    `json:"time"`
	Revert          *SessionRevert `json:"revert,omitempty"`
	CustomPrompt    *CustomPrompt  `json:"customPrompt,omitempty"`
}

// SessionSummary contains statistics about code changes in a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff represents a diff for a single file.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created    int64  `json:"created"`
	Updated    int64  `json:"updated"`
	Compacting *int64 `json:"compacting,omitempty"`
}

// SessionShare contains sharing information for a session.
type SessionShare struct {
	URL string `json:"url"`
}

// SessionRevert contains information about session revert state.
type SessionRevert struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  *string `json:"snapshot,omitempty"`
	Diff      *string `json:"diff,omitempty"`
}

// CustomPrompt represents a custom system prompt configuration.
type CustomPrompt struct {
	Type      string            `json:"type"` // "file" | "inline"
	Value     string            `json:"value"`
	LoadedAt  *int64            `json:"loadedAt,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RevertState captures a single undoable step of a session, usually a
// filesystem snapshot taken before a tool call that wrote to disk.
type RevertState struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  string  `json:"snapshot"`
	Diff      string  `json:"diff,omitempty"`
	Time      int64   `json:"time"`
}

// UndoStack is the ordered list of revert states for a session plus the
// cursor into it (index of the last applied entry, -1 if none).
type UndoStack struct {
	Entries []RevertState `json:"entries"`
	Cursor  int           `json:"cursor"`
}

// LLMConfig references a resolved provider+model pair, named so sessions
// can share a config by reference (create_or_get_llm_config in spec §6).
type LLMConfig struct {
	ID         string  `json:"id"`
	ProviderID string  `json:"providerID"`
	ModelID    string  `json:"modelID"`
	NodeID     *string `json:"nodeID,omitempty"` // set when the model is resolved on a remote mesh peer
}
