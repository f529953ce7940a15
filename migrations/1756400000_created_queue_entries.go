package migrations

import (
	"encoding/json"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		jsonData := `{
			"id": "pbc_queue_entries1",
			"name": "queue_entries",
			"type": "base",
			"system": false,
			"fields": [
				{
					"id": "text_user_id",
					"name": "user_id",
					"type": "text",
					"required": true,
					"presentable": true,
					"min": 1,
					"max": 255
				},
				{
					"id": "text_entry_id",
					"name": "entry_id",
					"type": "text",
					"required": true,
					"presentable": false,
					"min": 1,
					"max": 255
				},
				{
					"id": "select_session_type",
					"name": "session_type",
					"type": "select",
					"required": true,
					"maxSelect": 1,
					"values": ["learning", "teaching", "collaboration"]
				},
				{
					"id": "select_urgency",
					"name": "urgency",
					"type": "select",
					"required": true,
					"maxSelect": 1,
					"values": ["low", "medium", "high"]
				},
				{
					"id": "json_skills",
					"name": "preferred_skills",
					"type": "json",
					"required": false,
					"maxSize": 4096
				},
				{
					"id": "number_max_duration",
					"name": "max_duration",
					"type": "number",
					"required": true,
					"min": 1
				},
				{
					"id": "number_priority",
					"name": "priority",
					"type": "number",
					"required": false
				},
				{
					"id": "number_joined_at",
					"name": "joined_at",
					"type": "number",
					"required": true
				},
				{
					"id": "number_expires_at",
					"name": "expires_at",
					"type": "number",
					"required": true
				}
			],
			"indexes": [
				"CREATE UNIQUE INDEX idx_queue_entries_user ON queue_entries (user_id)",
				"CREATE INDEX idx_queue_entries_expires ON queue_entries (expires_at)"
			],
			"listRule": null,
			"viewRule": null,
			"createRule": null,
			"updateRule": null,
			"deleteRule": null
		}`

		collection := &core.Collection{}
		if err := json.Unmarshal([]byte(jsonData), &collection); err != nil {
			return err
		}

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("pbc_queue_entries1")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
