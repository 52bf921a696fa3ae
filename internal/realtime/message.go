package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/taskman/internal/task"
)

// ワイヤプロトコルのメッセージ種別
const (
	TypeInitialTasks = "initial_tasks"
	TypeTaskCreated  = "task_created"
	TypeTaskUpdated  = "task_updated"
	TypeTaskDeleted  = "task_deleted"
	TypeError        = "error"
)

// JSONチャネルの外でやり取りするテキストのキープアライブ
const (
	probePing = "ping"
	probePong = "pong"
)

// 認証失敗時にクライアントへ返すメッセージ
const (
	msgTokenRequired = "Token required"
	msgInvalidToken  = "Invalid token"
	msgUserNotFound  = "User not found"
	msgAuthFailed    = "Authentication failed"
)

type initialTasksMessage struct {
	Type  string      `json:"type"`
	Tasks []task.View `json:"tasks"`
}

type taskEventMessage struct {
	Type string    `json:"type"`
	Task task.View `json:"task"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// eventType は変更種別をメッセージ種別に変換する。
func eventType(kind task.EventKind) (string, error) {
	switch kind {
	case task.EventCreated:
		return TypeTaskCreated, nil
	case task.EventUpdated:
		return TypeTaskUpdated, nil
	case task.EventDeleted:
		return TypeTaskDeleted, nil
	}
	return "", fmt.Errorf("unknown event kind: %q", kind)
}

// EncodeTaskEvent はタスク変更イベントをワイヤ形式にエンコードする。
func EncodeTaskEvent(kind task.EventKind, v task.View) ([]byte, error) {
	typ, err := eventType(kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskEventMessage{Type: typ, Task: v})
}

func encodeInitialTasks(views []task.View) ([]byte, error) {
	if views == nil {
		views = []task.View{}
	}
	return json.Marshal(initialTasksMessage{Type: TypeInitialTasks, Tasks: views})
}

func encodeError(message string) ([]byte, error) {
	return json.Marshal(errorMessage{Type: TypeError, Message: message})
}
