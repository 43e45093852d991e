package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// CommandType discriminates queued commands.
type CommandType string

const (
	CommandStart CommandType = "start"
	CommandStop  CommandType = "stop"
)

// Command is the JSON envelope handed to dispatcher workers. It carries the
// full configuration snapshot taken at enqueue time, so a worker never has
// to re-assemble the stream mid-operation.
type Command struct {
	ID         string              `json:"id"`
	Type       CommandType         `json:"type"`
	StreamID   string              `json:"stream_id"`
	Config     models.StreamConfig `json:"config"`
	Attempt    int                 `json:"attempt"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// NewCommand builds a first-attempt command for a stream.
func NewCommand(cmdType CommandType, rec models.StreamRecord) Command {
	return Command{
		ID:         uuid.New().String(),
		Type:       cmdType,
		StreamID:   rec.ID,
		Config:     rec.Config,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}
