// Package models holds the types shared by the connection manager, the sync
// engine, the realtime bridge and the local cache.
//
// JSON tags on these types are part of the agent's external contract: the UI
// and the business layer read ConnectionStatus, SyncReport, OutboxEntry and
// ChangeNotification exactly as encoded here.
package models
