package models

import "time"

// Blob one durable state entry when the blob store is backed by the database
type Blob struct {
	Key       string    `json:"key" gorm:"primaryKey;size:512"`
	Value     []byte    `json:"value" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Blob) TableName() string {
	return "echo_blobs"
}
