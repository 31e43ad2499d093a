package models

import "time"

// ArchiveStats holds the archive statistics reported by borg create --json.
type ArchiveStats struct {
	Name             string
	ID               string
	Duration         time.Duration
	NFiles           uint64
	OriginalSize     uint64
	CompressedSize   uint64
	DeduplicatedSize uint64
}

// ArchiveResult holds the result of a borg create invocation for one target.
type ArchiveResult struct {
	Target   string
	Stats    *ArchiveStats // nil unless stats were requested
	Warning  bool          // borg exited with rc 1
	Duration time.Duration
	Error    error
}

// RepoInfo holds the parsed output of borg info --json.
type RepoInfo struct {
	ID                string
	Location          string
	LastModified      string
	Encryption        string
	CachePath         string
	SecurityDir       string
	TotalChunks       uint64
	TotalSize         uint64
	TotalCSize        uint64
	TotalUniqueChunks uint64
	UniqueSize        uint64
	UniqueCSize       uint64
}

// ArchiveInfo is one entry of borg list --json.
type ArchiveInfo struct {
	Name  string
	ID    string
	Start time.Time
}

// InitOptions holds the options of borg init.
type InitOptions struct {
	Encryption     string
	AppendOnly     bool
	StorageQuota   string
	MakeParentDirs bool
}

// Encryption modes accepted by borg init.
var EncryptionModes = []string{
	"none",
	"authenticated",
	"authenticated-blake2",
	"repokey",
	"keyfile",
	"repokey-blake2",
	"keyfile-blake2",
}

// EventType identifies a borg --log-json line.
type EventType string

// Event types emitted by borg --log-json.
const (
	EventArchiveProgress EventType = "archive_progress"
	EventProgressMessage EventType = "progress_message"
	EventProgressPercent EventType = "progress_percent"
	EventLogMessage      EventType = "log_message"
	EventFileStatus      EventType = "file_status"
	EventQuestionPrompt  EventType = "question_prompt"
)

// Event is a decoded borg --log-json line. Fields not carried by
// the event type are left zero.
type Event struct {
	Type             EventType `json:"type"`
	Time             float64   `json:"time"`
	Message          string    `json:"message"`
	MsgID            string    `json:"msgid"`
	Name             string    `json:"name"`
	LevelName        string    `json:"levelname"`
	Finished         bool      `json:"finished"`
	Operation        int       `json:"operation"`
	Current          uint64    `json:"current"`
	Total            uint64    `json:"total"`
	NFiles           uint64    `json:"nfiles"`
	OriginalSize     uint64    `json:"original_size"`
	CompressedSize   uint64    `json:"compressed_size"`
	DeduplicatedSize uint64    `json:"deduplicated_size"`
	Path             string    `json:"path"`
	Status           string    `json:"status"`
}

// EventCallback receives borg events while a command runs.
type EventCallback func(Event)

// TargetResult holds everything that happened for one target during a run.
type TargetResult struct {
	Target  ResolvedTarget
	Wake    *WOLResult
	Archive *ArchiveResult
	Step    string // step that failed, empty on success
	Error   error
}

// RunSummary holds the results of a complete run.
type RunSummary struct {
	StartTime time.Time
	Duration  time.Duration
	Results   []TargetResult // in declaration order
	Shutdowns []SSHResult
}

// Failed returns the number of targets that failed.
func (s RunSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Error != nil {
			n++
		}
	}
	return n
}
