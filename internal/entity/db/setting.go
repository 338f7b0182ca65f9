package db

import "time"

// Setting 是客户端设置/历史的键值存储行。
type Setting struct {
	Key       string    `gorm:"primarykey;type:varchar(191)" json:"key"`
	Value     string    `gorm:"column:value;type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Setting) TableName() string {
	return "settings"
}
