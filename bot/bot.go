package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/pipeline"
	"crypto-news-analyzer/query"
)

// ErrSettingNotFound is returned by SettingsStore for unknown keys.
var ErrSettingNotFound = errors.New("setting not found")

const chatIDSetting = "chat_id"

// MessageSender sends messages to Telegram.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error)
}

// SettingsStore manages persistent settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// CycleTrigger runs a fetch-and-analyze cycle on demand.
type CycleTrigger interface {
	Trigger(ctx context.Context) (*pipeline.Report, error)
}

// QuestionAnswerer answers questions about stored news.
type QuestionAnswerer interface {
	Answer(ctx context.Context, question string) (*query.Answer, error)
	Stats(ctx context.Context, since time.Time) (*model.Stats, error)
}

// SourceLister lists configured sources.
type SourceLister interface {
	List(ctx context.Context) ([]model.Source, error)
}

// ArticleLister returns the most recent articles.
type ArticleLister interface {
	LatestArticles(ctx context.Context, limit int) ([]model.AnalyzedArticle, error)
}

// CommandHandler handles bot commands.
type CommandHandler struct {
	sender   MessageSender
	settings SettingsStore
	trigger  CycleTrigger
	answerer QuestionAnswerer
	sources  SourceLister
	articles ArticleLister
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	sender MessageSender,
	settings SettingsStore,
	trigger CycleTrigger,
	answerer QuestionAnswerer,
	sources SourceLister,
	articles ArticleLister,
) *CommandHandler {
	return &CommandHandler{
		sender:   sender,
		settings: settings,
		trigger:  trigger,
		answerer: answerer,
		sources:  sources,
		articles: articles,
	}
}

// HandleMessage routes a text message to its command.
func (h *CommandHandler) HandleMessage(ctx context.Context, chatID int64, text string) error {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	cmd, args, _ := strings.Cut(text, " ")
	// Commands addressed as /cmd@botname in groups.
	cmd, _, _ = strings.Cut(cmd, "@")

	switch strings.ToLower(cmd) {
	case "/start", "/help":
		return h.HandleStart(ctx, chatID)
	case "/fetch":
		return h.HandleFetch(ctx, chatID)
	case "/ask":
		return h.HandleAsk(ctx, chatID, args)
	case "/stats":
		return h.HandleStats(ctx, chatID)
	case "/sources":
		return h.HandleSources(ctx, chatID)
	case "/latest":
		return h.HandleLatest(ctx, chatID, args)
	}
	return nil
}

// HandleStart handles the /start command.
func (h *CommandHandler) HandleStart(ctx context.Context, chatID int64) error {
	if err := h.settings.SetSetting(ctx, chatIDSetting, strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("save chat_id: %w", err)
	}

	msg := "Welcome to the Crypto News Analyzer! 📈\n\n" +
		"Commands:\n" +
		"/fetch - Fetch and analyze news now\n" +
		"/ask <question> - Ask about recent crypto news\n" +
		"/stats - Article and sentiment statistics\n" +
		"/sources - Configured news sources\n" +
		"/latest [n] - Most recent analyzed articles\n\n" +
		"You will get a digest here after every fetch cycle."

	_, err := h.sender.SendMessage(ctx, chatID, msg, false)
	return err
}

// HandleFetch handles the /fetch command.
func (h *CommandHandler) HandleFetch(ctx context.Context, chatID int64) error {
	if _, err := h.sender.SendMessage(ctx, chatID, "🔄 Fetching and analyzing news...", false); err != nil {
		return err
	}

	report, err := h.trigger.Trigger(ctx)
	if err != nil {
		slog.Warn("manual fetch failed", "chat_id", chatID, "error", err)
		_, sendErr := h.sender.SendMessage(ctx, chatID, "❌ Fetch failed: "+err.Error(), false)
		return sendErr
	}

	_, err = h.sender.SendMessage(ctx, chatID, FormatReport(report), true)
	return err
}

// HandleAsk handles the /ask command.
func (h *CommandHandler) HandleAsk(ctx context.Context, chatID int64, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		_, err := h.sender.SendMessage(ctx, chatID, "Usage: /ask <question>\nExample: /ask What is the sentiment on Ethereum?", false)
		return err
	}

	answer, err := h.answerer.Answer(ctx, question)
	if err != nil {
		slog.Warn("failed to answer question", "chat_id", chatID, "error", err)
		_, sendErr := h.sender.SendMessage(ctx, chatID, "Sorry, something went wrong while answering.", false)
		return sendErr
	}

	text := answer.Text
	if answer.Cached {
		text += "\n\n(cached answer)"
	}
	_, err = h.sender.SendMessage(ctx, chatID, text, false)
	return err
}

// HandleStats handles the /stats command.
func (h *CommandHandler) HandleStats(ctx context.Context, chatID int64) error {
	stats, err := h.answerer.Stats(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	_, err = h.sender.SendMessage(ctx, chatID, FormatStats(stats), false)
	return err
}

// HandleSources handles the /sources command.
func (h *CommandHandler) HandleSources(ctx context.Context, chatID int64) error {
	srcs, err := h.sources.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	if len(srcs) == 0 {
		_, err := h.sender.SendMessage(ctx, chatID, "No sources configured.", false)
		return err
	}

	var sb strings.Builder
	sb.WriteString("📡 Sources:\n\n")
	for _, s := range srcs {
		mark := "✅"
		if !s.Enabled {
			mark = "⏸"
		}
		sb.WriteString(fmt.Sprintf("%s %s (%s)\n", mark, s.Name, s.Type))
	}

	_, err = h.sender.SendMessage(ctx, chatID, sb.String(), false)
	return err
}

// HandleLatest handles the /latest command.
func (h *CommandHandler) HandleLatest(ctx context.Context, chatID int64, args string) error {
	limit := 5
	if args = strings.TrimSpace(args); args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 || n > 20 {
			_, err := h.sender.SendMessage(ctx, chatID, "Invalid count. Must be a number between 1 and 20.", false)
			return err
		}
		limit = n
	}

	articles, err := h.articles.LatestArticles(ctx, limit)
	if err != nil {
		return fmt.Errorf("list articles: %w", err)
	}
	if len(articles) == 0 {
		_, err := h.sender.SendMessage(ctx, chatID, "No articles yet. Try /fetch.", false)
		return err
	}

	for i := range articles {
		if _, err := h.sender.SendMessage(ctx, chatID, FormatArticleMessage(&articles[i]), true); err != nil {
			return err
		}
	}
	return nil
}

// Notifier posts a digest to the registered chat after each cycle.
type Notifier struct {
	sender        MessageSender
	settings      SettingsStore
	defaultChatID int64
	maxArticles   int
}

// NewNotifier creates a cycle notifier. defaultChatID is used until a chat
// registers itself with /start.
func NewNotifier(sender MessageSender, settings SettingsStore, defaultChatID int64) *Notifier {
	return &Notifier{
		sender:        sender,
		settings:      settings,
		defaultChatID: defaultChatID,
		maxArticles:   5,
	}
}

// NotifyCycle sends the cycle digest. Cycles without new or newly analyzed
// articles are not reported.
func (n *Notifier) NotifyCycle(ctx context.Context, report *pipeline.Report) error {
	if report.Inserted == 0 && report.Analyzed == 0 {
		return nil
	}

	chatID := n.chatID(ctx)
	if chatID == 0 {
		slog.Debug("skipping cycle digest: no chat_id set")
		return nil
	}

	_, err := n.sender.SendMessage(ctx, chatID, FormatCycleDigest(report, n.maxArticles), true)
	return err
}

func (n *Notifier) chatID(ctx context.Context) int64 {
	if v, err := n.settings.GetSetting(ctx, chatIDSetting); err == nil {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	} else if !errors.Is(err, ErrSettingNotFound) {
		slog.Warn("failed to read chat_id", "error", err)
	}
	return n.defaultChatID
}

// FormatReport formats a cycle report as the reply to /fetch.
func FormatReport(r *pipeline.Report) string {
	var sb strings.Builder
	sb.WriteString("✅ <b>Fetch complete</b>\n\n")
	sb.WriteString(fmt.Sprintf("Sources: %d (%d failed)\n", r.Sources, len(r.FailedSources)))
	sb.WriteString(fmt.Sprintf("New articles: %d of %d fetched\n", r.Inserted, r.Fetched))
	sb.WriteString(fmt.Sprintf("Analyzed: %d", r.Analyzed))
	if r.AnalysisFailed > 0 {
		sb.WriteString(fmt.Sprintf(" | Failed: %d", r.AnalysisFailed))
	}
	if r.Retrying+r.Deferred > 0 {
		sb.WriteString(fmt.Sprintf(" | Retry later: %d", r.Retrying+r.Deferred))
	}
	sb.WriteString("\n")
	for _, fs := range r.FailedSources {
		sb.WriteString(fmt.Sprintf("⚠️ %s: %s\n", html.EscapeString(fs.Name), html.EscapeString(fs.Error)))
	}
	if r.AnalysisError != "" {
		sb.WriteString("⚠️ Analysis stopped: " + html.EscapeString(r.AnalysisError) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatCycleDigest formats the message posted after a scheduled cycle.
func FormatCycleDigest(r *pipeline.Report, maxArticles int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🗞 <b>%d new crypto articles</b> (%d analyzed)\n", r.Inserted, r.Analyzed))

	for i, a := range r.NewArticles {
		if i >= maxArticles {
			sb.WriteString(fmt.Sprintf("…and %d more\n", len(r.NewArticles)-maxArticles))
			break
		}
		sb.WriteString(fmt.Sprintf("\n• <a href=\"%s\">%s</a> <i>(%s)</i>",
			html.EscapeString(a.URL), html.EscapeString(a.Title), html.EscapeString(a.Source)))
	}
	if len(r.FailedSources) > 0 {
		names := make([]string, len(r.FailedSources))
		for i, fs := range r.FailedSources {
			names[i] = html.EscapeString(fs.Name)
		}
		sb.WriteString("\n\n⚠️ Failed sources: " + strings.Join(names, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatStats formats aggregate statistics for /stats.
func FormatStats(s *model.Stats) string {
	var sb strings.Builder
	sb.WriteString("📊 News Stats\n\n")
	sb.WriteString(fmt.Sprintf("Total articles: %d (today: %d)\n", s.Total, s.Today))
	sb.WriteString(fmt.Sprintf("Analyzed: %d | Pending: %d | Failed: %d\n\n", s.Analyzed, s.Pending, s.Failed))

	sb.WriteString("Sentiment:\n")
	for _, sent := range model.Sentiments {
		sb.WriteString(fmt.Sprintf("%s %s: %d\n", sentimentIcon(sent), sent, s.BySentiment[sent]))
	}

	if len(s.BySource) > 0 {
		names := make([]string, 0, len(s.BySource))
		for name := range s.BySource {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString("\nBy source:\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("• %s: %d\n", name, s.BySource[name]))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatArticleMessage formats an article for display in Telegram.
func FormatArticleMessage(a *model.AnalyzedArticle) string {
	title := html.EscapeString(a.Title)
	source := html.EscapeString(a.Source)

	if a.Analysis == nil {
		return fmt.Sprintf("📰 <b>%s</b>\n\n<i>Not analyzed yet</i>\n\n%s | <a href=\"%s\">Article</a>",
			title, source, html.EscapeString(a.URL))
	}

	summary := html.EscapeString(a.Analysis.Summary)
	msg := fmt.Sprintf("📰 <b>%s</b>\n\n<i>%s</i>\n\n%s %s",
		title, summary, sentimentIcon(a.Analysis.Sentiment), a.Analysis.Sentiment)
	if len(a.Analysis.MentionedAssets) > 0 {
		msg += " | " + html.EscapeString(strings.Join(a.Analysis.MentionedAssets, ", "))
	}
	if a.Analysis.MarketImplication != "" {
		msg += "\n💡 " + html.EscapeString(a.Analysis.MarketImplication)
	}
	return msg + fmt.Sprintf("\n%s | <a href=\"%s\">Article</a>", source, html.EscapeString(a.URL))
}

func sentimentIcon(s model.Sentiment) string {
	switch s {
	case model.Bullish:
		return "🟢"
	case model.Bearish:
		return "🔴"
	default:
		return "⚪"
	}
}
