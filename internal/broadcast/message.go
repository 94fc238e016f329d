package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/whsync/internal/models"
)

// Channel names. The two subsystems never share one.
const (
	ChannelProjects  = "github-projects-sync"
	ChannelCloudSync = "cloud-sync"
)

// MessageType identifies a broadcast event.
type MessageType string

const (
	MaterialsUpdated       MessageType = "materials_updated"
	ArchiveUpdated         MessageType = "archive_updated"
	GroupsUpdated          MessageType = "groups_updated"
	NotesUpdated           MessageType = "notes_updated"
	AlertRulesUpdated      MessageType = "alertRules_updated"
	StorageSettingsUpdated MessageType = "storageTypeSettings_updated"
	BackgroundSyncComplete MessageType = "background_sync_complete"
	BackgroundSyncError    MessageType = "background_sync_error"
	ConflictsDetected      MessageType = "conflicts_detected"
	SettingsChanged        MessageType = "settings_changed"
	CacheCleared           MessageType = "cache_cleared"
	CloudSyncStarted       MessageType = "cloud_sync_started"
	CloudSyncCompleted     MessageType = "cloud_sync_completed"
)

const updatedSuffix = "_updated"

// EntityUpdated returns the message type announcing a save of t.
func EntityUpdated(t models.EntityType) MessageType {
	return MessageType(string(t) + updatedSuffix)
}

// UpdatedEntity returns the entity type of an entity-updated message.
func (t MessageType) UpdatedEntity() (models.EntityType, bool) {
	s := string(t)
	if !strings.HasSuffix(s, updatedSuffix) {
		return "", false
	}
	et := models.EntityType(strings.TrimSuffix(s, updatedSuffix))
	return et, et.IsValid()
}

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	TabID     string          `json:"tabId"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// NewMessage encodes data into a message stamped now. Nil data encodes as
// a null payload.
func NewMessage(typ MessageType, tabID string, data interface{}) (Message, error) {
	msg := Message{
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		TabID:     tabID,
		Data:      json.RawMessage("null"),
	}
	if data == nil {
		return msg, nil
	}

	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Data = encoded
	return msg, nil
}

// HasData reports whether the message carries a payload.
func (m Message) HasData() bool {
	s := strings.TrimSpace(string(m.Data))
	return s != "" && s != "null"
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if !m.HasData() {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return models.NewMalformedDataError("broadcast "+string(m.Type), m.Data, err)
	}
	return nil
}

// EntityPayload is carried by entity-updated messages.
type EntityPayload struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt int64           `json:"fetchedAt"`
}

// SyncCompletePayload is carried by background_sync_complete.
type SyncCompletePayload struct {
	Snapshot  *models.Snapshot      `json:"snapshot"`
	FetchedAt int64                 `json:"fetchedAt"`
	Conflicts models.ConflictCounts `json:"conflicts"`
}

// SyncErrorPayload is carried by background_sync_error.
type SyncErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ConflictsPayload is carried by conflicts_detected.
type ConflictsPayload struct {
	Count     int               `json:"count"`
	Conflicts []models.Conflict `json:"conflicts"`
}

// CloudSyncPayload is carried by cloud_sync_started and cloud_sync_completed.
type CloudSyncPayload struct {
	Direction string `json:"direction"`
	Provider  string `json:"provider"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}
