package upload

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"
)

// Key namespaces in the KV store.
const (
	filePrefix       = "file:"
	batchIndexPrefix = "batchidx:"
	batchPrefix      = "batch:"
	dirPrefix        = "dir:"
	originPrefix     = "origin:"
	uniquePrefix     = "unique:"
)

func fileKey(key string) string { return filePrefix + key }

func batchKey(group string) string { return batchPrefix + group }

func originKey(originID string) string { return originPrefix + originID }

func uniqueKey(uniqueID string) string { return uniquePrefix + uniqueID }

func dirKey(chatID int64) string { return dirPrefix + strconv.FormatInt(chatID, 10) }

// batchIndexGroup is the prefix shared by every index entry of one group.
func batchIndexGroup(group string) string { return batchIndexPrefix + group + ":" }

func batchIndexKey(group, key string) string { return batchIndexGroup(group) + key }

// FileMetadata is the authoritative record of a stored file, kept as the
// metadata of its file: key.
type FileMetadata struct {
	Key           string  `json:"key"`
	OriginFileID  string  `json:"originFileId"`
	UniqueID      string  `json:"uniqueId,omitempty"`
	ChatID        int64   `json:"chatId"`
	Channel       string  `json:"channel,omitempty"`
	FileName      string  `json:"fileName"`
	FileType      string  `json:"fileType"`
	FileSizeBytes int64   `json:"fileSizeBytes"`
	FileSize      string  `json:"fileSize"` // megabytes, two decimals
	Directory     string  `json:"directory"`
	MediaGroupID  *string `json:"mediaGroupId"`
	TimeStamp     int64   `json:"timeStamp"`
}

func newMetadata(ev Event, key string, now time.Time) *FileMetadata {
	meta := &FileMetadata{
		Key:           key,
		OriginFileID:  ev.OriginFileID,
		UniqueID:      ev.UniqueID,
		ChatID:        ev.ChatID,
		Channel:       ev.Channel,
		FileName:      path.Base(key),
		FileType:      ev.MimeType,
		FileSizeBytes: ev.Size,
		FileSize:      formatMB(ev.Size),
		Directory:     directoryOf(key),
		TimeStamp:     now.UnixMilli(),
	}
	if ev.Grouped() {
		group := *ev.MediaGroupID
		meta.MediaGroupID = &group
	}
	return meta
}

func decodeMetadata(raw []byte) (*FileMetadata, error) {
	var meta FileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// directoryOf returns the folder part of a storage key with a trailing
// slash, or "" for keys at the root.
func directoryOf(key string) string {
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func formatMB(size int64) string {
	return fmt.Sprintf("%.2f", float64(size)/(1024*1024))
}
