// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// Usernameはトークンのsubjectとして使用されるため一意である。
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
