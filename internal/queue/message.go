package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source tags where a message came from.
type Source int

const (
	AdHoc Source = iota
	SteadyState
)

func (s Source) String() string {
	switch s {
	case AdHoc:
		return "ad_hoc"
	case SteadyState:
		return "steady_state"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Message is one unit of work. It is a value type: copies handed to
// consumers cannot change the producer's view.
type Message struct {
	ID        string
	SQL       string
	Comment   string
	Source    Source
	CreatedAt time.Time
}

// NewMessage stamps a fresh id and creation time.
func NewMessage(sql, comment string, src Source) Message {
	return Message{
		ID:        uuid.NewString(),
		SQL:       strings.TrimSpace(sql),
		Comment:   strings.TrimSpace(comment),
		Source:    src,
		CreatedAt: time.Now(),
	}
}
