package model

import "time"

// RawItemStatus is the processing state of a staged record.
type RawItemStatus string

const (
	RawItemPending   RawItemStatus = "pending"
	RawItemProcessed RawItemStatus = "processed"
	RawItemFailed    RawItemStatus = "failed"
	RawItemSkipped   RawItemStatus = "skipped"
)

// IsFinal reports whether the item has been consumed.
func (s RawItemStatus) IsFinal() bool {
	return s != RawItemPending
}

// RawItem is one untransformed record staged by a run.
type RawItem struct {
	UUID        string
	RunUUID     string
	Seq         int
	Payload     JSONMap
	Status      RawItemStatus
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// NewRawItem creates a pending item for the given run.
func NewRawItem(runUUID string, seq int, payload map[string]interface{}) *RawItem {
	return &RawItem{
		UUID:      NewID(),
		RunUUID:   runUUID,
		Seq:       seq,
		Payload:   JSONMap(payload),
		Status:    RawItemPending,
		CreatedAt: time.Now().UTC(),
	}
}
