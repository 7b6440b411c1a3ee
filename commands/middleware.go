package commands

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/messenger"
)

// withRecovery is the outermost middleware: a panicking handler becomes a
// logged error and an apologetic reply, never a crash.
func (r *Router) withRecovery(next Handler) Handler {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Any("panic", rec).
					Str("command", req.Command).
					Msg("Command handler panicked")
				r.reply(ctx, req, "Sorry, something went wrong handling that. Please try again in a moment.")
				err = nil
			}
		}()
		return next(ctx, req)
	}
}

// withRateLimit enforces the per-chat command budget. Superadministrators
// are exempt.
func (r *Router) withRateLimit(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		if r.isSuperadmin(req.UserID) {
			return next(ctx, req)
		}

		if !r.limits.allow(req.ChatID) {
			log.Warn().Str("chat", req.ChatID).Str("command", req.Command).Msg("Rate limited")
			r.reply(ctx, req, "⏳ Too many commands, please slow down a little.")
			return nil
		}
		return next(ctx, req)
	}
}

// requireSubscription gates commands that only make sense in a subscribed
// group. Superadministrators may run them anywhere.
func (r *Router) requireSubscription(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		if r.isSuperadmin(req.UserID) || r.deps.Directory.IsSubscribed(req.ChatID) {
			return next(ctx, req)
		}

		r.reply(ctx, req, "This group is not subscribed. A group administrator can run /subscribe first.")
		return nil
	}
}

// requireChatAdmin gates subscription management on the caller being an
// owner or administrator of the chat, checked live against the messenger.
func (r *Router) requireChatAdmin(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		if r.isSuperadmin(req.UserID) {
			return next(ctx, req)
		}

		status, err := r.deps.Client.GetChatMember(ctx, req.ChatID, req.UserID)
		if err != nil {
			log.Error().Err(err).Str("chat", req.ChatID).Str("user", req.UserID).Msg("Member lookup failed")
			r.reply(ctx, req, "I could not verify your role in this group, please try again.")
			return nil
		}

		if status != messenger.StatusOwner && status != messenger.StatusAdministrator {
			r.reply(ctx, req, "Only group administrators can manage the subscription.")
			return nil
		}
		return next(ctx, req)
	}
}

// requireSuperadmin gates operational commands.
func (r *Router) requireSuperadmin(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		if !r.isSuperadmin(req.UserID) {
			r.reply(ctx, req, "This command is restricted to the bot administrators.")
			return nil
		}
		return next(ctx, req)
	}
}

// rateLimiter is a fixed-window counter per chat.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*chatWindow
}

type chatWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: map[string]*chatWindow{},
	}
}

func (l *rateLimiter) allow(chatID string) bool {
	if l.limit < 1 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[chatID]
	if w == nil || now.Sub(w.start) >= l.window {
		l.windows[chatID] = &chatWindow{start: now, count: 1}
		return true
	}

	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
