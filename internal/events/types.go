package events

const (
	TypeEnrollmentCompleted  = "enrollment.completed"
	TypeAppointmentScheduled = "appointment.scheduled"
)

// EnrollmentCompletedV1 is emitted once the remote enrollment succeeds.
type EnrollmentCompletedV1 struct {
	SubmissionID  string `json:"submission_id"`
	AccountNumber string `json:"account_number"`
	CustomerName  string `json:"customer_name"`
	DeviceType    string `json:"device_type"`
}

func (EnrollmentCompletedV1) EventType() string { return TypeEnrollmentCompleted }

// AppointmentScheduledV1 is emitted when a new appointment is booked.
type AppointmentScheduledV1 struct {
	SubmissionID  string `json:"submission_id"`
	AccountNumber string `json:"account_number"`
	CustomerName  string `json:"customer_name"`
	ScheduleDate  string `json:"schedule_date"`
	ScheduleTime  string `json:"schedule_time"`
}

func (AppointmentScheduledV1) EventType() string { return TypeAppointmentScheduled }
