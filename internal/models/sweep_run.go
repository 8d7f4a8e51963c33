package models

import (
	"time"
)

// SweepRunStatus is the result of one worker task execution
type SweepRunStatus string

const (
	SweepRunStatusSuccess SweepRunStatus = "success"
	SweepRunStatusFailure SweepRunStatus = "failure"
	SweepRunStatusSkipped SweepRunStatus = "skipped"
)

// SweepRun tracks the execution history of worker tasks
type SweepRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TaskName string                 `gorm:"type:varchar(100);index" json:"task_name"`
	RunAt    time.Time              `json:"run_at"`
	Runtime  int                    `json:"runtime"` // milliseconds
	Status   SweepRunStatus         `gorm:"type:varchar(20)" json:"status"`
	Result   map[string]interface{} `gorm:"serializer:json" json:"result"`
}

// All returns every model owned by this service, in migration order
func All() []interface{} {
	return []interface{}{
		&Bundle{},
		&Transaction{},
		&PaymentCallbackHistory{},
		&SweepRun{},
	}
}
