package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowwatch/rowwatch/notify"
	"github.com/rowwatch/rowwatch/store"
)

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	r.reply(ctx, req,
		"👋 Hi! I watch the data store and post new records to subscribed groups.\n"+
			"A group administrator can run /subscribe to enable notifications here.\n"+
			"Use /help to see everything I can do.")
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	isAdmin := r.isSuperadmin(req.UserID)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		rt := r.routes[name]
		if rt.adminOnly && !isAdmin {
			continue
		}
		fmt.Fprintf(&b, "/%s - %s\n", name, rt.description)
	}

	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleSubscribe(ctx context.Context, req *Request) error {
	if r.deps.Directory.IsSubscribed(req.ChatID) {
		r.reply(ctx, req, "✅ This group is already subscribed.")
		return nil
	}

	title := req.ChatTitle
	if chat, err := r.deps.Client.GetChat(ctx, req.ChatID); err == nil && chat.Title != "" {
		title = chat.Title
	}

	if err := r.deps.Directory.Subscribe(req.ChatID, title, req.UserID); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	r.reply(ctx, req, "🔔 Subscribed! New records will be posted to this group.")
	return nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, req *Request) error {
	if !r.deps.Directory.IsSubscribed(req.ChatID) {
		r.reply(ctx, req, "This group is not subscribed.")
		return nil
	}

	if err := r.deps.Directory.Unsubscribe(req.ChatID); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}

	r.reply(ctx, req, "🔕 Unsubscribed. This group will no longer receive notifications.")
	return nil
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("📊 Pipeline status\n\n")

	state := r.deps.Listener.State()
	healthy := "no"
	if r.deps.Listener.HealthCheck() {
		healthy = "yes"
	}
	fmt.Fprintf(&b, "Push listener: %s (healthy: %s, channels: %d)\n",
		state, healthy, r.deps.Listener.ChannelCount())

	marks := r.deps.Watermarks.Watermarks()
	tables := make([]string, 0, len(marks))
	for table := range marks {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	b.WriteString("\nPoll watermarks:\n")
	now := time.Now().UTC()
	for _, table := range tables {
		fmt.Fprintf(&b, "• %s: %s (%s ago)\n",
			table,
			marks[table].UTC().Format("2006-01-02 15:04:05"),
			now.Sub(marks[table]).Round(time.Second))
	}

	cache := r.deps.Cache.Stats()
	fmt.Fprintf(&b, "\nCache: %d/%d entries, %.1f%% hit rate\n", cache.Size, cache.MaxSize, cache.HitRate)

	fmt.Fprintf(&b, "Subscribed groups: %d\n", len(r.deps.Directory.ActiveGroups()))
	fmt.Fprintf(&b, "Up since: %s (%s)\n",
		r.deps.StartedAt.UTC().Format("2006-01-02 15:04:05"),
		time.Since(r.deps.StartedAt).Round(time.Second))

	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleRecent(ctx context.Context, req *Request) error {
	table, err := r.resolveTable(req.Args)
	if err != nil {
		r.reply(ctx, req, err.Error())
		return nil
	}

	records, err := r.deps.Reader.Query(ctx, table, store.QueryOptions{
		OrderBy:    "created_at",
		Descending: true,
		Limit:      r.deps.Config.RecentLimit,
	})
	if err != nil {
		return fmt.Errorf("recent query on %s failed: %w", table, err)
	}

	if len(records) == 0 {
		r.reply(ctx, req, fmt.Sprintf("No records found in %s.", notify.TableTitle(table)))
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🕐 Latest %d records in %s:\n\n", len(records), notify.TableTitle(table))
	for i, record := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, summarizeRecord(record))
	}

	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleSearch(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: /search <order number>")
		return nil
	}
	term := req.Args[0]

	var b strings.Builder
	found := 0
	for _, table := range r.deps.Tables {
		records, err := r.deps.Reader.Query(ctx, table, store.QueryOptions{
			Filters: map[string]any{"order_number": term},
			OrderBy: "created_at", Descending: true,
		})
		if err != nil {
			return fmt.Errorf("search on %s failed: %w", table, err)
		}

		for _, record := range records {
			if found == 0 {
				fmt.Fprintf(&b, "🔎 Matches for %q:\n\n", term)
			}
			found++
			fmt.Fprintf(&b, "%d. [%s] %s\n", found, notify.TableTitle(table), summarizeRecord(record))
		}
	}

	if found == 0 {
		r.reply(ctx, req, fmt.Sprintf("No records match order number %q.", term))
		return nil
	}

	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleReport(ctx context.Context, req *Request) error {
	if r.deps.Reports == nil {
		r.reply(ctx, req, "Report generation is not configured on this deployment.")
		return nil
	}

	table, err := r.resolveTable(req.Args)
	if err != nil {
		r.reply(ctx, req, err.Error())
		return nil
	}

	data, filename, err := r.deps.Reports.Generate(ctx, table)
	if err != nil {
		return fmt.Errorf("report generation for %s failed: %w", table, err)
	}

	if err := r.deps.Client.SendDocument(ctx, req.ChatID, data, filename); err != nil {
		return fmt.Errorf("report delivery failed: %w", err)
	}
	return nil
}

func (r *Router) handleStats(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("📈 Statistics\n\nStore rows:\n")

	for _, table := range r.deps.Tables {
		count, err := r.deps.Reader.Count(ctx, table)
		if err != nil {
			fmt.Fprintf(&b, "• %s: unavailable (%v)\n", table, err)
			continue
		}
		fmt.Fprintf(&b, "• %s: %d\n", table, count)
	}

	stats := r.deps.Directory.Stats()
	fmt.Fprintf(&b, "\nSubscribed groups: %d\n", stats.SubscribedGroups)
	fmt.Fprintf(&b, "Group admins: %d\n", stats.GroupAdmins)

	cache := r.deps.Cache.Stats()
	fmt.Fprintf(&b, "\nCache: %d/%d entries, %.1f%% hit rate\n", cache.Size, cache.MaxSize, cache.HitRate)

	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleCacheStatus(ctx context.Context, req *Request) error {
	stats := r.deps.Cache.Stats()
	r.reply(ctx, req, fmt.Sprintf(
		"💾 Query cache\n\nEntries: %d / %d\nHits: %d\nMisses: %d\nEvictions: %d\nHit rate: %.1f%%\nTTL: %s",
		stats.Size, stats.MaxSize, stats.Hits, stats.Misses, stats.Evictions, stats.HitRate, stats.TTL))
	return nil
}

func (r *Router) handleClearCache(ctx context.Context, req *Request) error {
	dropped := r.deps.Cache.Len()
	r.deps.Cache.Clear()

	log.Info().Int("entries", dropped).Str("user", req.UserID).Msg("Cache cleared by command")
	r.reply(ctx, req, fmt.Sprintf("🧹 Cache cleared, %d entries dropped.", dropped))
	return nil
}

func (r *Router) handleBroadcast(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: /broadcast <message>")
		return nil
	}
	message := "📢 " + strings.Join(req.Args, " ")

	groups := r.deps.Directory.ActiveGroups()
	sort.Strings(groups)

	delivered := 0
	for _, groupID := range groups {
		if err := r.deps.Client.SendMessage(ctx, groupID, message); err != nil {
			log.Error().Err(err).Str("group", groupID).Msg("Broadcast delivery failed")
			continue
		}
		delivered++
	}

	r.reply(ctx, req, fmt.Sprintf("Broadcast delivered to %d of %d groups.", delivered, len(groups)))
	return nil
}

// resolveTable picks the monitored table named by args, defaulting to the
// first monitored table.
func (r *Router) resolveTable(args []string) (string, error) {
	if len(r.deps.Tables) == 0 {
		return "", fmt.Errorf("no tables are being monitored")
	}
	if len(args) == 0 {
		return r.deps.Tables[0], nil
	}

	want := strings.ToLower(args[0])
	for _, table := range r.deps.Tables {
		if strings.ToLower(table) == want {
			return table, nil
		}
	}
	return "", fmt.Errorf("unknown table %q, monitored tables: %s", args[0], strings.Join(r.deps.Tables, ", "))
}

// summarizeRecord is the one-line rendering used by list commands.
func summarizeRecord(record store.Record) string {
	parts := []string{record.Field("order_number")}
	if record.Has("products") {
		parts = append(parts, record.Field("products"))
	}
	if record.Has("volume") {
		parts = append(parts, record.Field("volume")+" vol")
	}
	if !record.CreatedAt().IsZero() {
		parts = append(parts, record.CreatedAt().UTC().Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, " · ")
}
