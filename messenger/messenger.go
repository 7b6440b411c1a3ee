// Package messenger defines the contract against the messaging platform.
// The pipeline only needs to deliver text and files to a numeric chat
// handle and to query membership; the concrete client is supplied by the
// embedder.
package messenger

import (
	"context"

	"github.com/rs/zerolog/log"
)

// MemberStatus is the platform's view of a user within a chat.
type MemberStatus string

const (
	StatusOwner         MemberStatus = "owner"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusLeft          MemberStatus = "left"
)

// Chat is the subset of chat metadata the pipeline reads.
type Chat struct {
	ID    string
	Title string
}

// Client delivers messages and answers membership queries. Destinations
// are opaque chat handles (stringified signed integers). Implementations
// must tolerate per-destination transient failures.
type Client interface {
	SendMessage(ctx context.Context, destination, text string) error
	SendDocument(ctx context.Context, destination string, data []byte, filename string) error
	GetChat(ctx context.Context, destination string) (Chat, error)
	GetChatMember(ctx context.Context, chat, user string) (MemberStatus, error)
}

// Update is one inbound message from the platform.
type Update struct {
	ChatID    string
	ChatTitle string
	UserID    string
	Text      string
}

// UpdateSource is implemented by clients that can stream inbound messages.
// The channel closes when ctx ends. A client without an update feed simply
// leaves command routing idle.
type UpdateSource interface {
	Updates(ctx context.Context) <-chan Update
}

// LogClient writes deliveries to the log instead of a platform. Used when
// no real client is wired, so the pipeline stays runnable end to end.
type LogClient struct{}

func (LogClient) SendMessage(_ context.Context, destination, text string) error {
	log.Info().Str("destination", destination).Int("chars", len(text)).Msg("Delivery (log client)")
	return nil
}

func (LogClient) SendDocument(_ context.Context, destination string, data []byte, filename string) error {
	log.Info().Str("destination", destination).Str("filename", filename).Int("bytes", len(data)).Msg("Document delivery (log client)")
	return nil
}

func (LogClient) GetChat(_ context.Context, destination string) (Chat, error) {
	return Chat{ID: destination}, nil
}

func (LogClient) GetChatMember(context.Context, string, string) (MemberStatus, error) {
	return StatusMember, nil
}
