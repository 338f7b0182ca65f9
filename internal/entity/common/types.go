package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// 分页默认值
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// StringArray 以 JSON 数组形式落库，如项目的结果地址列表。
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(a))
	return string(raw), err
}

func (a *StringArray) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringArray: %T", value)
	}
	if len(raw) == 0 {
		*a = StringArray{}
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(a))
}

// Meta 包含分页元数据。
type Meta struct {
	Page     int64 `json:"page"`
	PageSize int64 `json:"page_size"`
	Total    int64 `json:"total"`
}

// BaseParams 包含通用的分页和排序参数。
type BaseParams struct {
	PageSize int64  `json:"page_size" form:"page_size" query:"page_size"`
	Page     int64  `json:"page" form:"page" query:"page"`
	SortBy   string `json:"sort_by" form:"sort_by" query:"sort_by"`
	SortDesc bool   `json:"sort_desc" form:"sort_desc" query:"sort_desc"`
}

// Normalize 页码从 1 开始，每页条数限制在 1..MaxPageSize。
func (p BaseParams) Normalize() BaseParams {
	if p.Page <= 0 {
		p.Page = 1
	}
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset 当前页之前的记录数。
func (p BaseParams) Offset() int64 {
	return (p.Page - 1) * p.PageSize
}
