// Package commands interprets the line-oriented chat shell.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"palaver/internal/chat"
	"palaver/internal/client"
	"palaver/internal/models"
)

var ErrQuit = errors.New("quit")

// History loads the latest page of a conversation.
type History interface {
	Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

type Shell struct {
	Client  *client.Client
	History History
	Limit   int

	mu       sync.Mutex
	out      io.Writer
	offWatch func()
}

func NewShell(c *client.Client, history History, limit int, out io.Writer) *Shell {
	return &Shell{Client: c, History: history, Limit: limit, out: out}
}

// Execute runs one input line. Lines starting with "/" are commands,
// anything else is sent to the open conversation.
func (s *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.Client.Send(line)
		return err
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "quit", "exit":
		return ErrQuit
	case "open":
		if rest == "" {
			return errors.New("usage: /open <conversation>")
		}
		return s.Open(ctx, rest)
	case "workspace":
		if rest == "" {
			return errors.New("usage: /workspace <workspace>")
		}
		return s.Client.OpenWorkspace(rest)
	case "online":
		s.printf("online: %s\n", strings.Join(s.Client.Presence().Online(), ", "))
		return nil
	case "history":
		v := s.Client.View()
		if v == nil {
			return client.ErrNoView
		}
		for _, m := range v.Messages() {
			s.printMessage(m)
		}
		return nil
	case "edit":
		id, text, ok := strings.Cut(rest, " ")
		if !ok || id == "" {
			return errors.New("usage: /edit <message> <text>")
		}
		return s.Client.Edit(id, strings.TrimSpace(text))
	case "delete":
		if rest == "" {
			return errors.New("usage: /delete <message>")
		}
		return s.Client.Delete(rest)
	case "react":
		id, emoji, ok := strings.Cut(rest, " ")
		if !ok || id == "" || strings.TrimSpace(emoji) == "" {
			return errors.New("usage: /react <message> <emoji>")
		}
		return s.Client.React(id, strings.TrimSpace(emoji))
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// Open loads the history of conversationID, switches to it and prints new
// messages as they arrive.
func (s *Shell) Open(ctx context.Context, conversationID string) error {
	var page []models.Message
	if s.History != nil {
		var err error
		page, err = s.History.Messages(ctx, conversationID, s.Limit)
		if err != nil {
			s.printf("history unavailable: %v\n", err)
		}
	}

	v, err := s.Client.Open(ctx, conversationID, page)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.offWatch != nil {
		s.offWatch()
	}
	s.offWatch = v.OnChange(func(c chat.Change) {
		if c.Op != chat.OpReceive {
			return
		}
		if m, ok := v.Get(c.MessageID); ok {
			s.printMessage(m)
		}
	})
	s.mu.Unlock()

	s.printf("joined %s (%d messages)\n", conversationID, v.Len())
	return nil
}

func (s *Shell) printMessage(m models.Message) {
	s.printf("[%s] %s %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.ID, m.Sender.DisplayName(), m.Content)
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}
