package entity

import (
	"makeover/internal/entity/common"
	"makeover/internal/entity/db"
	"makeover/internal/entity/dto"
)

// Type aliases for common types
type StringArray = common.StringArray
type Meta = common.Meta
type BaseParams = common.BaseParams

// Database models
type DbProject = db.Project
type DbSetting = db.Setting
type ProjectOutcome = db.ProjectOutcome

// Transfer objects
type GenerationRequest = dto.GenerationRequest
type GenerateResponse = dto.GenerateResponse
type HistoryItem = dto.HistoryItem
type Transformation = dto.Transformation
type ProjectQuery = dto.ProjectQuery
