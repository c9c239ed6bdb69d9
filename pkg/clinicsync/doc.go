// Package clinicsync is the workstation agent: it keeps a local cache of the
// clinic's tables, follows whichever backend is reachable, queues writes while
// none is, and exposes all of it to the desktop UI over a local HTTP API.
//
// The agent is started through [Main], which parses the command line into a
// [Command] and a [Config] and dispatches to the matching [App] method:
//
//	clinicsync run --config /etc/clinicsync.yaml
//	clinicsync sync
//	clinicsync drain
//	clinicsync status
//	clinicsync migrate
//
// Configuration is layered: built-in defaults, the YAML file named by
// --config or CLINICSYNC_CONFIG, CLINICSYNC_* environment variables, and
// finally command line flags.
//
// The local API, bound to 127.0.0.1 by default:
//
//	GET    /api/health
//	GET    /api/status
//	POST   /api/sync
//	POST   /api/outbox/drain
//	GET    /api/outbox/stats
//	GET    /api/records/{table}?limit=&offset=
//	POST   /api/records/{table}
//	GET    /api/records/{table}/{id}
//	PUT    /api/records/{table}/{id}
//	DELETE /api/records/{table}/{id}
//	GET    /api/events?types=change,mode,sync_report,drain_report   (WebSocket)
//	GET    /metrics
package clinicsync
