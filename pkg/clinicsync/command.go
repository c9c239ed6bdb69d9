package clinicsync

// Command is one operation selected on the command line. Main dispatches on
// the concrete type.
type Command interface {
	Name() string
}

// RunCommand starts the agent: prober, drain worker, realtime bridge and the
// local API.
type RunCommand struct {
	// SyncOnStart runs a bulk pull once the first probe finds the primary.
	SyncOnStart bool
}

func (c *RunCommand) Name() string {
	return "run"
}

// SyncCommand pulls every configured table from the primary backend.
type SyncCommand struct{}

func (c *SyncCommand) Name() string {
	return "sync"
}

// DrainCommand probes the backends once and replays queued writes.
type DrainCommand struct{}

func (c *DrainCommand) Name() string {
	return "drain"
}

// StatusCommand probes the backends once and prints the status report.
type StatusCommand struct{}

func (c *StatusCommand) Name() string {
	return "status"
}

// MigrateCommand creates the cache tables of every configured table.
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string {
	return "migrate"
}
