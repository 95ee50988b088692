package progress

import "time"

// Notification is one entry of a task's notification log. ResourceNum is the
// ordinal of the record among the task's handled records, which makes the log
// addressable by range for detailed reports.
type Notification struct {
	TaskID         int64
	ResourceNum    int
	TopologyName   string
	Resource       string
	State          RecordState
	InfoText       string
	AdditionalInfo string
	ResultResource string
	CreatedAt      time.Time
}

// NewNotification builds the log entry for an accepted notification event.
func NewNotification(e NotificationEvent, resourceNum int, topologyName string, at time.Time) Notification {
	return Notification{
		TaskID:         e.TaskID,
		ResourceNum:    resourceNum,
		TopologyName:   topologyName,
		Resource:       e.RecordID,
		State:          e.RecordState(),
		InfoText:       e.Message,
		AdditionalInfo: e.LogInfo(),
		ResultResource: e.ResultResource,
		CreatedAt:      at,
	}
}
