package dto

import "time"

// HistoryLimit caps the persisted history; older items are evicted first.
const HistoryLimit = 50

// Transformation describes one makeover style the user can pick.
type Transformation struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category,omitempty"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	StylePrompt    string `json:"stylePrompt,omitempty"`
}

// HistoryItem is the persisted record of one completed generation.
type HistoryItem struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	SourceImage    string         `json:"sourceImage"`
	ResultImage    string         `json:"resultImage"`
	ResultImages   []string       `json:"resultImages,omitempty"`
	ArchivedSource string         `json:"archivedSource,omitempty"`
	ArchivedResult string         `json:"archivedResult,omitempty"`
	Transformation Transformation `json:"transformation"`
	Timestamp      time.Time      `json:"timestamp"`
	DurationMs     int64          `json:"durationMs"`
	Cost           *float64       `json:"cost,omitempty"`
}

// AppendHistory returns items with item prepended, trimmed to limit. The
// newest item comes first.
func AppendHistory(items []HistoryItem, item HistoryItem, limit int) []HistoryItem {
	if limit <= 0 {
		limit = HistoryLimit
	}
	out := make([]HistoryItem, 0, min(len(items)+1, limit))
	out = append(out, item)
	for _, it := range items {
		if len(out) == limit {
			break
		}
		out = append(out, it)
	}
	return out
}
