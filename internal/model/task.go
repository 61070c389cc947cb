package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the task lifecycle state machine (spec.md §4.3):
// local -> remote -> complete (happy path), or local -> cancelled, or a
// terminal complete carrying an error.
type TaskStatus string

const (
	TaskStatusLocal     TaskStatus = "local"
	TaskStatusRemote    TaskStatus = "remote"
	TaskStatusComplete  TaskStatus = "complete"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ConstructorName is the tagged-dispatch key for a Task (spec.md §9: keep
// this an explicit enum rather than polymorphic dispatch).
type ConstructorName string

const (
	TaskChangeUnread       ConstructorName = "ChangeUnreadTask"
	TaskChangeStarred      ConstructorName = "ChangeStarredTask"
	TaskChangeFolder       ConstructorName = "ChangeFolderTask"
	TaskChangeLabels       ConstructorName = "ChangeLabelsTask"
	TaskSyncbackDraft      ConstructorName = "SyncbackDraftTask"
	TaskDestroyDraft       ConstructorName = "DestroyDraftTask"
	TaskSendDraft          ConstructorName = "SendDraftTask"
	TaskSyncbackCategory   ConstructorName = "SyncbackCategoryTask"
	TaskDestroyCategory    ConstructorName = "DestroyCategoryTask"
	TaskExpungeAllInFolder ConstructorName = "ExpungeAllInFolderTask"
	TaskSyncbackMetadata   ConstructorName = "SyncbackMetadataTask"
	TaskChangeRoleMapping  ConstructorName = "ChangeRoleMappingTask"
	TaskGetMessageRFC2822  ConstructorName = "GetMessageRFC2822Task"
)

// TaskError carries the classified error attached to a terminally-failed
// task (spec.md §4.3, §7).
type TaskError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is a command record persisted so progress survives process restarts
// (spec.md §3, §4.3).
type Task struct {
	Base

	ConstructorName ConstructorName `json:"constructorName"`
	Payload         json.RawMessage `json:"payload"`
	Status          TaskStatus      `json:"status"`
	Error           *TaskError      `json:"error,omitempty"`

	ShouldCancel bool      `json:"shouldCancel"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (t *Task) TableName() string { return "tasks" }

func (t *Task) MarshalPayload() (json.RawMessage, error) { return json.Marshal(t) }

// IsTerminal reports whether the task has reached complete or cancelled.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusComplete || t.Status == TaskStatusCancelled
}
