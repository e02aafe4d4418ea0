package api

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"imgbed/internal/upload"
)

// messageOf returns the message an update carries, or nil.
func messageOf(update *tgbotapi.Update) *tgbotapi.Message {
	switch {
	case update.Message != nil:
		return update.Message
	case update.ChannelPost != nil:
		return update.ChannelPost
	}
	return nil
}

// dirCommand reports whether msg is a /dir command and returns its argument.
func dirCommand(msg *tgbotapi.Message) (string, bool) {
	if !msg.IsCommand() || msg.Command() != "dir" {
		return "", false
	}
	return strings.TrimSpace(msg.CommandArguments()), true
}

// eventFromMessage extracts the image a message carries. Photos use their
// largest size; documents count only with an image/* mime type.
func eventFromMessage(msg *tgbotapi.Message) (upload.Event, upload.Reason) {
	var ev upload.Event
	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		ev.OriginFileID = photo.FileID
		ev.UniqueID = photo.FileUniqueID
		ev.Size = int64(photo.FileSize)
		ev.DeclaredName = "photo_" + photo.FileUniqueID + ".jpg"
		ev.MimeType = "image/jpeg"

	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		doc := msg.Document
		ev.OriginFileID = doc.FileID
		ev.UniqueID = doc.FileUniqueID
		ev.Size = int64(doc.FileSize)
		ev.DeclaredName = doc.FileName
		ev.MimeType = doc.MimeType

	default:
		return ev, upload.ReasonNotImage
	}

	if msg.Chat != nil {
		ev.ChatID = msg.Chat.ID
	}
	if msg.MediaGroupID != "" {
		group := msg.MediaGroupID
		ev.MediaGroupID = &group
	}
	return ev, ""
}
