package domain

// DateLayout is the wire format of date-typed field values.
const DateLayout = "2006-01-02"

const (
	TemplateDraft    = "draft"
	TemplateActive   = "active"
	TemplateArchived = "archived"
)

const (
	StepTypeTask     = "task"
	StepTypeApproval = "approval"
	StepTypeForm     = "form"
)

const (
	InstancePending    = "pending"
	InstanceInProgress = "in_progress"
	InstanceCompleted  = "completed"
	InstanceCancelled  = "cancelled"
)

const (
	StepPending    = "pending"
	StepReady      = "ready"
	StepInProgress = "in_progress"
	StepBlocked    = "blocked"
	StepCompleted  = "completed"
	StepSkipped    = "skipped"
)

const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
	FieldJSON     FieldType = "json"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldDate, FieldDateTime, FieldJSON:
		return true
	}
	return false
}

func ValidStepType(t string) bool {
	switch t {
	case StepTypeTask, StepTypeApproval, StepTypeForm:
		return true
	}
	return false
}
