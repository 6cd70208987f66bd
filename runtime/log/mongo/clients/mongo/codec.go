package mongo

import (
	"encoding/json"
	"fmt"

	"github.com/concord-hq/concord/runtime/conversation"
)

func encodeEvent(e conversation.UnifiedEvent) (eventDocument, error) {
	doc := eventDocument{
		Conversation: int64(e.Conversation),
		Turn:         e.Turn,
		Event:        e.Event,
		Seq:          e.Seq,
		AgentID:      string(e.AgentID),
		Ts:           e.Ts,
		Type:         string(e.Type),
		Finality:     string(e.Finality),
	}
	if e.Message != nil {
		doc.ClientRequestID = e.Message.ClientRequestID
		b, err := json.Marshal(e.Message)
		if err != nil {
			return eventDocument{}, fmt.Errorf("encode message payload: %w", err)
		}
		doc.Message = b
	}
	if e.Trace != nil {
		b, err := json.Marshal(e.Trace)
		if err != nil {
			return eventDocument{}, fmt.Errorf("encode trace payload: %w", err)
		}
		doc.Trace = b
	}
	if e.System != nil {
		b, err := json.Marshal(e.System)
		if err != nil {
			return eventDocument{}, fmt.Errorf("encode system payload: %w", err)
		}
		doc.System = b
	}
	return doc, nil
}

func decodeEvent(doc eventDocument) (conversation.UnifiedEvent, error) {
	e := conversation.UnifiedEvent{
		Conversation: conversation.ID(doc.Conversation),
		Turn:         doc.Turn,
		Event:        doc.Event,
		Seq:          doc.Seq,
		AgentID:      conversation.AgentID(doc.AgentID),
		Ts:           doc.Ts,
		Type:         conversation.EventType(doc.Type),
		Finality:     conversation.Finality(doc.Finality),
	}
	if len(doc.Message) > 0 {
		var m conversation.MessagePayload
		if err := json.Unmarshal(doc.Message, &m); err != nil {
			return conversation.UnifiedEvent{}, fmt.Errorf("decode message payload: %w", err)
		}
		e.Message = &m
	}
	if len(doc.Trace) > 0 {
		var t conversation.TracePayload
		if err := json.Unmarshal(doc.Trace, &t); err != nil {
			return conversation.UnifiedEvent{}, fmt.Errorf("decode trace payload: %w", err)
		}
		e.Trace = &t
	}
	if len(doc.System) > 0 {
		var s conversation.SystemPayload
		if err := json.Unmarshal(doc.System, &s); err != nil {
			return conversation.UnifiedEvent{}, fmt.Errorf("decode system payload: %w", err)
		}
		e.System = &s
	}
	return e, nil
}
