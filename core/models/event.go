package models

import "time"

// InstanceEvent represents a state transition event for an instance
type InstanceEvent struct {
	ID         int64
	InstanceID string
	Project    string
	At         time.Time
	FromState  *InstanceState
	ToState    InstanceState
	Reason     string
	Meta       map[string]interface{}
}

// OutputKind represents the kind of saved output
type OutputKind string

const (
	OutputBytes  OutputKind = "bytes"
	OutputJSON   OutputKind = "json"
	OutputObject OutputKind = "object"
	OutputLog    OutputKind = "log"
)

// OutputRecord records where a saved output lives
type OutputRecord struct {
	Key        string     `json:"key"`
	Kind       OutputKind `json:"kind"`
	Location   string     `json:"location"` // file path or s3://bucket/key
	Compressed bool       `json:"compressed,omitempty"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
}
