package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     interface{}       `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data interface{}) {
	r.Data = data
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// HasErrors reports whether any message carries ERROR status.
func (r *Response) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Status == "ERROR" {
			return true
		}
	}
	return false
}

func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case "INFO":
			slog.Info(message.Message)
		case "WARN":
			slog.Warn(message.Message)
		case "ERROR":
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}

// StreamingResponse writes progress messages to the client as JSON lines
// while a long running command is still executing.
type StreamingResponse struct {
	w  io.Writer
	mu sync.Mutex
}

func NewStreamingResponse(w io.Writer) *StreamingResponse {
	return &StreamingResponse{w: w}
}

func (s *StreamingResponse) WriteMessage(message, status string) error {
	data, err := json.Marshal(ResponseMessage{Message: message, Status: status})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write streaming message: %w", err)
	}
	return nil
}
