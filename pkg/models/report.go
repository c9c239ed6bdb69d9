package models

// SyncReport is the result of a bulk pull.
type SyncReport struct {
	Success      bool           `json:"success"`
	TablesSynced []string       `json:"tables_synced"`
	RecordsCount map[string]int `json:"records_count"`
	Error        *string        `json:"error"`
}

func NewSyncReport() *SyncReport {
	return &SyncReport{
		Success:      true,
		TablesSynced: []string{},
		RecordsCount: map[string]int{},
	}
}

// Fail marks the report failed. Only the first message is kept.
func (r *SyncReport) Fail(msg string) {
	r.Success = false
	if r.Error == nil {
		r.Error = &msg
	}
}

// DrainReport is the result of one outbox drain.
type DrainReport struct {
	Mode      ConnectionMode `json:"mode"`
	Attempted int            `json:"attempted"`
	Synced    int            `json:"synced"`
	Remaining int64          `json:"remaining"`
	HaltedAt  *int64         `json:"halted_at"`
	Error     *string        `json:"error"`

	// Err is the error that halted the drain, for errors.Is checks.
	Err error `json:"-"`
}

func (r *DrainReport) Halt(seq int64, err error) {
	msg := err.Error()
	r.HaltedAt = &seq
	r.Error = &msg
	r.Err = err
}
