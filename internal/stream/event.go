// Package stream turns the raw events of the decision loop into the wire
// protocol sent to clients: one JSON object per server-sent-event frame.
//
//	data: {"type":"checkpoint","checkpoint_id":"<uuid>"}
//	data: {"type":"content","content":"<fragment>"}
//	data: {"type":"search_start","query":"<query>"}
//	data: {"type":"search_results","urls":["<url>"]}
//	data: {"type":"search_results","error":"<message>"}
//	data: {"type":"error","error":"<message>"}
//	data: {"type":"end"}
//
// Each frame is terminated by a blank line.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	TypeCheckpoint    EventType = "checkpoint"
	TypeContent       EventType = "content"
	TypeSearchStart   EventType = "search_start"
	TypeSearchResults EventType = "search_results"
	TypeError         EventType = "error"
	TypeEnd           EventType = "end"
)

// Event is one wire event. Only the fields of its Type are encoded.
type Event struct {
	Type         EventType
	CheckpointID string
	Content      string
	Query        string
	URLs         []string
	Error        string
}

func Checkpoint(id string) Event {
	return Event{Type: TypeCheckpoint, CheckpointID: id}
}

func Content(text string) Event {
	return Event{Type: TypeContent, Content: text}
}

func SearchStart(query string) Event {
	return Event{Type: TypeSearchStart, Query: query}
}

// SearchFailed is a search_results event carrying an error instead of urls.
func SearchFailed(message string) Event {
	return Event{Type: TypeSearchResults, Error: message}
}

func Error(message string) Event {
	return Event{Type: TypeError, Error: message}
}

func End() Event {
	return Event{Type: TypeEnd}
}

func SearchResults(urls []string) Event {
	if urls == nil {
		urls = []string{}
	}
	return Event{Type: TypeSearchResults, URLs: urls}
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeCheckpoint:
		return json.Marshal(struct {
			Type         EventType `json:"type"`
			CheckpointID string    `json:"checkpoint_id"`
		}{e.Type, e.CheckpointID})
	case TypeContent:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case TypeSearchStart:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Query string    `json:"query"`
		}{e.Type, e.Query})
	case TypeSearchResults:
		if e.Error != "" {
			return json.Marshal(struct {
				Type  EventType `json:"type"`
				Error string    `json:"error"`
			}{e.Type, e.Error})
		}
		urls := e.URLs
		if urls == nil {
			urls = []string{}
		}
		return json.Marshal(struct {
			Type EventType `json:"type"`
			URLs []string  `json:"urls"`
		}{e.Type, urls})
	case TypeError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Error})
	case TypeEnd:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	default:
		return nil, fmt.Errorf("stream: unknown event type %q", e.Type)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type         EventType `json:"type"`
		CheckpointID string    `json:"checkpoint_id"`
		Content      string    `json:"content"`
		Query        string    `json:"query"`
		URLs         []string  `json:"urls"`
		Error        string    `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		return errors.New("stream: event without type")
	}
	*e = Event(raw)
	return nil
}

var framePrefix = []byte("data: ")

// Frame encodes the event as a complete frame including the blank line.
func (e Event) Frame() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(framePrefix) + len(body) + 2)
	buf.Write(framePrefix)
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
