package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	UserID    key = "user_id"
	JobID     key = "job_id"
	Language  key = "language"
)

// LogFields lists the keys the logger lifts into every entry, in output order.
var LogFields = []key{TraceID, RequestID, UserID, JobID, Language}

// Name returns the field name used in logs and gin contexts.
func (k key) Name() string {
	return string(k)
}
