package db

import (
	"makeover/internal/entity/common"
	"time"
)

// Project 记录中继创建的每个生成项目。
type Project struct {
	ID        string    `gorm:"primarykey;type:varchar(64)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	VendorProjectID string `gorm:"column:vendor_project_id;type:varchar(128);index" json:"vendor_project_id"`
	ClientAppID     string `gorm:"column:client_app_id;type:varchar(128);index" json:"client_app_id"`
	ModelID         string `gorm:"column:model_id;type:varchar(255)" json:"model_id"`
	Prompt          string `gorm:"column:prompt;type:text" json:"prompt"`
	ImageCount      int    `gorm:"column:image_count" json:"image_count"`

	Status       string             `gorm:"column:status;type:varchar(32);index" json:"status"`
	ErrorCode    string             `gorm:"column:error_code;type:varchar(64)" json:"error_code"`
	ErrorMessage string             `gorm:"column:error_message;type:text" json:"error_message"`
	ResultURLs   common.StringArray `gorm:"column:result_urls;type:json" json:"result_urls"`

	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName 指定表名
func (Project) TableName() string {
	return "projects"
}

// 项目状态
const (
	ProjectStatusProcessing = "processing"
	ProjectStatusCompleted  = "completed"
	ProjectStatusFailed     = "failed"
	ProjectStatusCancelled  = "cancelled"
)

// ProjectOutcome 是项目结束时写回的结果。
type ProjectOutcome struct {
	Status          string
	VendorProjectID string
	ErrorCode       string
	ErrorMessage    string
	ResultURLs      []string
	CompletedAt     time.Time
}
