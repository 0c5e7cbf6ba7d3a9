package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chatsync/pkg/directory"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/stream"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/validation"
)

// SendRequest is the payload of a send operation: optional text plus zero
// or more already-uploaded attachments. Each attachment becomes its own
// message; the text (when present) becomes the final one.
type SendRequest struct {
	Conversation string              `json:"conversation"`
	Sender       string              `json:"sender"`
	Text         string              `json:"text,omitempty"`
	Attachments  []models.Attachment `json:"attachments,omitempty"`
}

// ProcessSend performs one send: appends a message per attachment, then
// the text message, then a single preview update carrying the unread
// increment for the other participant. The appends and the preview update
// are independent writes; the preview reflects the last item, with text
// always winning over attachments within one send.
func ProcessSend(ctx context.Context, op *Op) error {
	var req SendRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return fmt.Errorf("invalid send json: %w", err)
	}
	if req.Conversation == "" && op.Conv != "" {
		req.Conversation = op.Conv
	}
	if req.Sender == "" {
		if a := op.Extras["identity"]; a != "" {
			req.Sender = a
		}
	}
	if err := validation.ValidateSend(req.Conversation, req.Sender, req.Text, len(req.Attachments)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	conv, err := directory.Get(req.Conversation)
	if err != nil {
		return err
	}
	other := conv.Other(req.Sender)
	if other == "" {
		return fmt.Errorf("sender %s is not a participant of %s", req.Sender, req.Conversation)
	}

	var last models.Message
	for _, att := range req.Attachments {
		draft := models.Message{
			Sender:   req.Sender,
			Type:     attachmentType(att.Type),
			FileURL:  att.URL,
			FilePath: att.Path,
			FileName: att.Name,
			FileSize: att.Size,
			FileType: att.Type,
		}
		msg, aerr := stream.Append(ctx, req.Conversation, draft)
		if aerr != nil {
			telemetry.SendFailures.Inc()
			return aerr
		}
		last = msg
	}
	if strings.TrimSpace(req.Text) != "" {
		msg, aerr := stream.Append(ctx, req.Conversation, models.Message{
			Sender: req.Sender,
			Type:   models.TypeText,
			Text:   req.Text,
		})
		if aerr != nil {
			telemetry.SendFailures.Inc()
			return aerr
		}
		last = msg
	}
	if last.ID == "" {
		return fmt.Errorf("empty send: no text and no attachments")
	}

	p := directory.Preview{
		LastMessageType:    last.PreviewLabel(),
		LastSenderID:       req.Sender,
		IncrementUnreadFor: other,
	}
	if last.Type == models.TypeText {
		p.LastMessage = last.Text
	} else {
		p.LastMessage = last.FileName
	}
	if err := directory.UpdatePreview(ctx, req.Conversation, p); err != nil {
		telemetry.SendFailures.Inc()
		return err
	}
	telemetry.SendsTotal.Inc()
	return nil
}

// attachmentType maps a MIME type to the persisted message type.
func attachmentType(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return models.TypeImage
	}
	return models.TypeFile
}

// StartWorkers launches n workers consuming the queue until stop closes.
func StartWorkers(q *Queue, n int, stop <-chan struct{}) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go q.RunWorker(stop, func(op *Op) error {
			if err := ProcessSend(context.Background(), op); err != nil {
				logger.Error("send_failed", "conversation", op.Conv, "sender", op.Sender, "error", err)
				return err
			}
			return nil
		})
	}
}
