package models

// Operation is the kind of committed write announced by the change feed.
type Operation string

const (
	OperationInsert  Operation = "insert"
	OperationUpdate  Operation = "update"
	OperationDelete  Operation = "delete"
	OperationUnknown Operation = "unknown"
)

// NormalizeOperation maps anything outside the known set to OperationUnknown.
func NormalizeOperation(s string) Operation {
	switch op := Operation(s); op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return op
	}
	return OperationUnknown
}

// ChangeNotification is a single change announced by the Secondary backend.
// It is forwarded once and never stored.
type ChangeNotification struct {
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	ID        *string   `json:"id"`
}
