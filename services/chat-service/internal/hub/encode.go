package hub

import (
	"stream-chat/pkg/protocol"
	"stream-chat/services/chat-service/internal/domain"
)

// EncodeEvent maps a conversation event onto its wire frame.
func EncodeEvent(ev domain.Event) protocol.ServerFrame {
	f := protocol.ServerFrame{
		Type:           string(ev.Kind),
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
	}
	switch ev.Kind {
	case domain.EventStatus:
		f.Text = ev.Text
	case domain.EventChunk:
		f.Fragment = ev.Fragment
	case domain.EventSnapshot:
		f.Content = ev.Content
	case domain.EventError:
		f.Reason = ev.Reason
	case domain.EventUserMessage:
		f.Message = MessageView(ev.Message)
	}
	return f
}

func MessageView(msg *domain.Message) *protocol.MessageView {
	if msg == nil {
		return nil
	}
	return &protocol.MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role.String(),
		Content:        msg.Content,
		TokenCost:      msg.TokenCost,
		CreatedAt:      msg.CreatedAt,
	}
}
