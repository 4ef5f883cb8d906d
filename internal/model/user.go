package model

import "time"

// User 用户的持久化在线状态，仅由 presence 模块修改
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}
