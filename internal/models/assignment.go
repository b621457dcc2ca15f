package models

import (
	"time"
)

type Assignment struct {
	ID            string        `json:"id" db:"id"`
	Title         string        `json:"title" db:"title"`
	SupervisorIDs []string      `json:"supervisor_ids" db:"supervisor_ids"`
	Fields        []FieldSchema `json:"fields" db:"field_schema"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// FieldSchema declares one field an assignment accepts. Enrich defaults to true
// for media fields and is ignored for the others.
type FieldSchema struct {
	Name   string    `json:"name"`
	Type   FieldType `json:"type"`
	Enrich *bool     `json:"enrich,omitempty"`
	Prompt string    `json:"prompt,omitempty"`
}

func (a *Assignment) FieldSchema(name string) *FieldSchema {
	for i := range a.Fields {
		if a.Fields[i].Name == name {
			return &a.Fields[i]
		}
	}
	return nil
}

func (a *Assignment) IsSupervisor(userID string) bool {
	for _, id := range a.SupervisorIDs {
		if id == userID {
			return true
		}
	}
	return false
}
