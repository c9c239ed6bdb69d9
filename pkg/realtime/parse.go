package realtime

import (
	"github.com/buger/jsonparser"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/goccy/go-json"
)

// ParseNotification decodes a change feed payload of the form
// {"table": ..., "operation": ..., "id": ...}.
//
// It never fails: a payload that is not such an object yields the table
// named by the channel, the unknown operation and no id. The whole payload
// must be valid JSON; jsonparser alone stops reading once it finds a key.
func ParseNotification(channel string, payload []byte) models.ChangeNotification {
	fallback := models.ChangeNotification{
		Table:     TableOf(channel),
		Operation: models.OperationUnknown,
	}

	if !json.Valid(payload) {
		return fallback
	}
	if _, dataType, _, err := jsonparser.Get(payload); err != nil || dataType != jsonparser.Object {
		return fallback
	}

	table, err := jsonparser.GetString(payload, "table")
	if err != nil || table == "" {
		return fallback
	}
	op, err := jsonparser.GetString(payload, "operation")
	if err != nil {
		return fallback
	}

	n := models.ChangeNotification{
		Table:     table,
		Operation: models.NormalizeOperation(op),
	}

	// Ids arrive as strings or numbers depending on the table.
	value, dataType, _, err := jsonparser.Get(payload, "id")
	if err == nil {
		switch dataType {
		case jsonparser.String:
			if id, err := jsonparser.ParseString(value); err == nil {
				n.ID = &id
			}
		case jsonparser.Number:
			id := string(value)
			n.ID = &id
		}
	}
	return n
}
