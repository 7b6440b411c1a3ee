package commands

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/cfg"
	"github.com/rowwatch/rowwatch/directory"
	"github.com/rowwatch/rowwatch/messenger"
	"github.com/rowwatch/rowwatch/store"
	"github.com/rowwatch/rowwatch/watch"
)

// Request is one parsed incoming command.
type Request struct {
	ChatID    string
	ChatTitle string
	UserID    string
	Command   string
	Args      []string
}

// Handler processes one request. Errors become an apologetic reply; the
// router never lets a handler failure escape.
type Handler func(ctx context.Context, req *Request) error

// Middleware wraps a handler with a cross-cutting concern. A middleware
// that replies and does not call next terminates the chain.
type Middleware func(next Handler) Handler

// ListenerStatus is what the status command needs from the push path.
type ListenerStatus interface {
	State() watch.State
	HealthCheck() bool
	ChannelCount() int
}

// WatermarkSource exposes the poll scanner's per-table progress.
type WatermarkSource interface {
	Watermarks() map[string]time.Time
}

// ReportGenerator renders a downloadable summary document for a table.
// No renderer ships by default; the report command degrades gracefully
// when this is nil.
type ReportGenerator interface {
	Generate(ctx context.Context, table string) (data []byte, filename string, err error)
}

// Deps carries everything the handlers touch. Each dependency is the
// narrowest capability the commands need.
type Deps struct {
	Config      cfg.CommandConfiguration
	Client      messenger.Client
	Reader      store.Store
	Cache       *store.Cache
	Directory   *directory.Directory
	Listener    ListenerStatus
	Watermarks  WatermarkSource
	Reports     ReportGenerator
	Superadmins []string
	Tables      []string
	StartedAt   time.Time
}

type route struct {
	handler     Handler
	description string
	adminOnly   bool
}

// Router parses incoming messages and dispatches them through the
// middleware chain to the matching handler.
type Router struct {
	deps   Deps
	limits *rateLimiter
	routes map[string]route
	chain  []Middleware
}

func NewRouter(deps Deps) *Router {
	r := &Router{
		deps:   deps,
		limits: newRateLimiter(deps.Config.RateLimitPerMinute, time.Minute),
		routes: map[string]route{},
	}

	r.chain = []Middleware{r.withRecovery, r.withRateLimit}

	subscribed := []Middleware{r.requireSubscription}
	chatAdmin := []Middleware{r.requireChatAdmin}
	superadmin := []Middleware{r.requireSuperadmin}

	r.register("start", "Introduce the bot", nil, r.handleStart)
	r.register("help", "List available commands", nil, r.handleHelp)
	r.register("subscribe", "Subscribe this group to notifications", chatAdmin, r.handleSubscribe)
	r.register("unsubscribe", "Stop notifications for this group", chatAdmin, r.handleUnsubscribe)
	r.register("status", "Show pipeline health", subscribed, r.handleStatus)
	r.register("recent", "Show the latest records", subscribed, r.handleRecent)
	r.register("search", "Find records by order number", subscribed, r.handleSearch)
	r.register("report", "Generate a summary document", subscribed, r.handleReport)
	r.registerAdmin("stats", "Show store and subscription statistics", superadmin, r.handleStats)
	r.registerAdmin("cache_status", "Show query cache statistics", superadmin, r.handleCacheStatus)
	r.registerAdmin("clear_cache", "Drop all cached query results", superadmin, r.handleClearCache)
	r.registerAdmin("broadcast", "Send a message to every subscribed group", superadmin, r.handleBroadcast)

	return r
}

func (r *Router) register(name, description string, extra []Middleware, h Handler) {
	for i := len(extra) - 1; i >= 0; i-- {
		h = extra[i](h)
	}
	r.routes[name] = route{handler: h, description: description}
}

func (r *Router) registerAdmin(name, description string, extra []Middleware, h Handler) {
	r.register(name, description, extra, h)
	rt := r.routes[name]
	rt.adminOnly = true
	r.routes[name] = rt
}

// Dispatch handles one raw incoming message. Non-command text is ignored.
func (r *Router) Dispatch(ctx context.Context, chatID, chatTitle, userID, text string) {
	req, ok := parseRequest(chatID, chatTitle, userID, text)
	if !ok {
		return
	}

	rt, known := r.routes[req.Command]
	if !known {
		r.reply(ctx, req, "Unknown command. Use /help to see what I can do.")
		return
	}

	handler := rt.handler
	for i := len(r.chain) - 1; i >= 0; i-- {
		handler = r.chain[i](handler)
	}

	log.Debug().
		Str("command", req.Command).
		Str("chat", req.ChatID).
		Str("user", req.UserID).
		Msg("Dispatching command")

	if err := handler(ctx, req); err != nil {
		log.Error().Err(err).Str("command", req.Command).Str("chat", req.ChatID).Msg("Command failed")
		r.reply(ctx, req, "Sorry, something went wrong handling that. Please try again in a moment.")
	}
}

// parseRequest extracts "/command args..." from a message, tolerating the
// "@botname" suffix group chats append.
func parseRequest(chatID, chatTitle, userID, text string) (*Request, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}

	fields := strings.Fields(text)
	command := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	command = strings.ToLower(command)
	if command == "" {
		return nil, false
	}

	return &Request{
		ChatID:    chatID,
		ChatTitle: chatTitle,
		UserID:    userID,
		Command:   command,
		Args:      fields[1:],
	}, true
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if err := r.deps.Client.SendMessage(ctx, req.ChatID, text); err != nil {
		log.Error().Err(err).Str("chat", req.ChatID).Msg("Reply failed")
	}
}

func (r *Router) isSuperadmin(userID string) bool {
	for _, id := range r.deps.Superadmins {
		if id == userID {
			return true
		}
	}
	return false
}
