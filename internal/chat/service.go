// Package chat runs one conversation turn end to end: it assembles the
// system prompt, resolves /commands and web search, drives generation
// (through the evaluator for commands with success criteria), persists
// the reply, names the chat, and hands the turn to memory extraction.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mandarin/internal/evaluate"
	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/memory"
	"github.com/nugget/mandarin/internal/prompts"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/store"
	"github.com/nugget/mandarin/internal/usage"
)

const (
	titleFallbackRunes = 40
	titleTimeout       = 30 * time.Second
)

// InputError is a request the client must fix. Its message is safe to
// show to the user.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputErrorf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// IsInputError reports whether err is an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// Generator is the slice of *generate.Generator a turn needs.
type Generator interface {
	Run(ctx context.Context, mode searchmode.Mode, modelID string, msgs []llm.Message, emit generate.EmitFunc) (*generate.Outcome, error)
	Complete(ctx context.Context, modelID string, msgs []llm.Message) (string, error)
}

// Evaluator runs commands that have success criteria.
type Evaluator interface {
	Run(ctx context.Context, req evaluate.Request, emit generate.EmitFunc) (*generate.Outcome, error)
}

// Models answers model availability questions. *llm.Router satisfies it.
type Models interface {
	Available(id string) bool
	ChatNamerModel(configured string) string
}

// Extractor receives finished turns for background memory extraction.
type Extractor interface {
	Launch(t memory.Turn)
}

// UsageRecorder stores the token cost of a reply. *usage.Store
// satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Deps are the collaborators a Service drives. Memory and Extractor may
// be nil when memory is disabled, and Usage when accounting is off.
type Deps struct {
	Store     *store.Store
	Library   *library.Library
	Memory    *memory.Store
	Extractor Extractor
	Generator Generator
	Evaluator Evaluator
	Models    Models
	Prompts   *prompts.Loader
	Usage     UsageRecorder
}

// Config tunes a Service.
type Config struct {
	UserName            string
	Location            *time.Location
	ChatNamerModel      string
	SimilarityThreshold float32
	Limits              Limits
}

// Service runs chat turns.
type Service struct {
	store     *store.Store
	library   *library.Library
	memory    *memory.Store
	extractor Extractor
	gen       Generator
	eval      Evaluator
	models    Models
	prompts   *prompts.Loader
	usage     UsageRecorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service.
func New(d Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{
		store:     d.Store,
		library:   d.Library,
		memory:    d.Memory,
		extractor: d.Extractor,
		gen:       d.Generator,
		eval:      d.Evaluator,
		models:    d.Models,
		prompts:   d.Prompts,
		usage:     d.Usage,
		cfg:       cfg,
		logger:    logger.With("component", "chat"),
		now:       time.Now,
	}
}

// Turn is a validated request ready to generate. The user message is
// already stored.
type Turn struct {
	Chat          *store.Chat
	ModelID       string
	UserText      string
	UserMessageID string

	command      *library.Command
	instructions string
	history      []llm.Message
	current      llm.Message
	regenerate   bool
}

// Reply is what Execute delivered and stored.
type Reply struct {
	MessageID string
	Title     string
	Text      string
	WebSearch []llm.WebSearchMeta
}

// SendRequest is a new user message.
type SendRequest struct {
	Content     string   `json:"content"`
	ModelID     string   `json:"model_id"`
	Attachments []Upload `json:"attachments"`
}

// PrepareSend validates req, stores the user message, and builds the
// turn. Client mistakes come back as *InputError and a missing chat as
// store.ErrNotFound; in both cases nothing is stored.
func (s *Service) PrepareSend(ctx context.Context, chatID string, req SendRequest) (*Turn, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, inputErrorf("content is required")
	}
	cmd, rest, err := s.invocation(content)
	if err != nil {
		if IsInputError(err) {
			return nil, inputErrorf("%s Please retry with a valid command or without a command.", err)
		}
		return nil, err
	}
	modelID, err := s.checkModel(req.ModelID)
	if err != nil {
		return nil, err
	}
	attachments, err := ExtractAttachments(req.Attachments, s.cfg.Limits)
	if err != nil {
		return nil, err
	}

	prior, err := s.store.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	user := &store.Message{ChatID: chatID, Role: llm.RoleUser, Content: content, Attachments: attachments}
	if err := s.store.AddMessage(ctx, user); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	return s.buildTurn(ctx, chat, modelID, *user, prior, cmd, rest), nil
}

// RegenerateRequest asks for a fresh reply to an earlier user message.
type RegenerateRequest struct {
	MessageID string `json:"message_id"`
	ModelID   string `json:"model_id"`
}

// PrepareRegenerate builds a turn that answers an existing user message
// again, replaying the history up to it. No user message is added.
func (s *Service) PrepareRegenerate(ctx context.Context, chatID string, req RegenerateRequest) (*Turn, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, inputErrorf("message_id is required")
	}
	modelID, err := s.checkModel(req.ModelID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, chatID, req.MessageID)
	if err != nil {
		return nil, err
	}
	user := history[len(history)-1]
	if user.Role != llm.RoleUser {
		return nil, inputErrorf("message_id must be a user message")
	}
	cmd, rest, err := s.invocation(user.Content)
	if err != nil {
		return nil, err
	}

	t := s.buildTurn(ctx, chat, modelID, user, history[:len(history)-1], cmd, rest)
	t.regenerate = true
	return t, nil
}

func (s *Service) checkModel(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", inputErrorf("model_id is required")
	}
	if !s.models.Available(id) {
		return "", inputErrorf("model not available")
	}
	return id, nil
}

// invocation resolves a leading /command. A named command that does not
// exist is an *InputError.
func (s *Service) invocation(content string) (*library.Command, string, error) {
	id, rest, ok := library.ParseInvocation(content)
	if !ok {
		return nil, content, nil
	}
	cmd, err := s.library.Command(id)
	if errors.Is(err, library.ErrNotFound) || errors.Is(err, library.ErrInvalidID) {
		return nil, "", inputErrorf("Command /%s not found.", id)
	}
	if err != nil {
		return nil, "", err
	}
	return cmd, rest, nil
}

func (s *Service) buildTurn(ctx context.Context, chat *store.Chat, modelID string, user store.Message, prior []store.Message, cmd *library.Command, rest string) *Turn {
	var cmdIDs []string
	contextIDs := append([]string{}, chat.ContextIDs...)
	llmText := user.Content
	instructions := user.Content
	if cmd != nil {
		cmdIDs = []string{cmd.ID}
		for _, id := range cmd.ContextIDs {
			if !containsString(contextIDs, id) {
				contextIDs = append(contextIDs, id)
			}
		}
		llmText = "Command instructions:\n" + cmd.Body + "\n\nUser message: " + rest
		instructions = rest
	}

	rules := s.library.ActiveRules(user.Content, cmdIDs)
	system := s.systemPrompt(ctx, contextIDs, user.Content, rules)

	history := make([]llm.Message, 0, len(prior)+1)
	if system != "" {
		history = append(history, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, m := range prior {
		switch m.Role {
		case llm.RoleUser:
			history = append(history, ToLLM(m))
		case llm.RoleAssistant:
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	return &Turn{
		Chat:          chat,
		ModelID:       modelID,
		UserText:      user.Content,
		UserMessageID: user.ID,
		command:       cmd,
		instructions:  instructions,
		history:       history,
		current:       toLLM(user, llmText),
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Messages returns the model input for a plain (non-evaluated) run.
func (t *Turn) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(t.history)+1)
	msgs = append(msgs, t.history...)
	return append(msgs, t.current)
}

// Evaluated reports whether the turn runs through the evaluator.
func (t *Turn) Evaluated() bool { return t.command != nil && t.command.Evaluated() }

func (t *Turn) searchPreference() searchmode.Chat {
	return searchmode.Chat{Mode: t.Chat.WebSearchMode, Enabled: t.Chat.WebSearchEnabled}
}

// Execute generates the reply for t, streaming events to emit, then
// stores it, names the chat when needed, and launches memory
// extraction. When generation fails after producing text, that partial
// text is stored before the error is returned.
func (s *Service) Execute(ctx context.Context, t *Turn, emit generate.EmitFunc) (*Reply, error) {
	out, err := s.run(ctx, t, emit)
	// The reply is stored even if the client has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		if out != nil && out.Text != "" {
			msg, perr := s.persistReply(persistCtx, t, out)
			if perr != nil {
				s.logger.Warn("partial reply not stored", "chat", t.Chat.ID, "error", perr)
			} else {
				s.recordUsage(persistCtx, t, out, msg.ID)
			}
		}
		return nil, err
	}

	msg, err := s.persistReply(persistCtx, t, out)
	if err != nil {
		return nil, err
	}
	s.recordUsage(persistCtx, t, out, msg.ID)

	title := t.Chat.Title
	if !t.regenerate {
		title = s.updateTitle(persistCtx, t)
	}

	if s.extractor != nil {
		s.extractor.Launch(memory.Turn{User: t.UserText, Assistant: out.Text, ContextIDs: t.Chat.ContextIDs})
	}

	return &Reply{MessageID: msg.ID, Title: title, Text: out.Text, WebSearch: out.WebSearch}, nil
}

func (s *Service) run(ctx context.Context, t *Turn, emit generate.EmitFunc) (*generate.Outcome, error) {
	if t.Evaluated() {
		c := t.command
		return s.eval.Run(ctx, evaluate.Request{
			Model:            t.ModelID,
			History:          t.history,
			UserInstructions: t.instructions,
			Task: evaluate.Task{
				Task:             c.Task,
				SuccessCriteria:  c.SuccessCriteria,
				Guidelines:       c.Guidelines,
				WebSearchEnabled: c.WebSearchEnabled,
				WebSearchMode:    c.WebSearchMode,
			},
			Chat: t.searchPreference(),
		}, emit)
	}

	var cmd *searchmode.Command
	if t.command != nil {
		cmd = &searchmode.Command{Mode: t.command.WebSearchMode, Enabled: t.command.WebSearchEnabled}
	}
	mode := searchmode.Resolve(cmd, t.searchPreference())
	s.logger.Debug("generating reply", "chat", t.Chat.ID, "model", t.ModelID, "search", mode)
	return s.gen.Run(ctx, mode, t.ModelID, t.Messages(), emit)
}

func (s *Service) persistReply(ctx context.Context, t *Turn, out *generate.Outcome) (*store.Message, error) {
	msg := &store.Message{ChatID: t.Chat.ID, Role: llm.RoleAssistant, Content: out.Text}
	if len(out.WebSearch) > 0 {
		msg.Meta = &store.Meta{WebSearch: out.WebSearch}
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	return msg, nil
}

func (s *Service) recordUsage(ctx context.Context, t *Turn, out *generate.Outcome, messageID string) {
	if s.usage == nil || out.InputTokens+out.OutputTokens == 0 {
		return
	}
	role := usage.RoleChat
	if t.Evaluated() {
		role = usage.RoleCommand
	}
	err := s.usage.Record(ctx, usage.Record{
		ChatID:       t.Chat.ID,
		MessageID:    messageID,
		Model:        t.ModelID,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Role:         role,
	})
	if err != nil {
		s.logger.Warn("usage not recorded", "chat", t.Chat.ID, "error", err)
	}
}

// updateTitle names the chat after its first exchange, or whenever it
// still has the default title.
func (s *Service) updateTitle(ctx context.Context, t *Turn) string {
	n, err := s.store.CountMessages(ctx, t.Chat.ID)
	if err != nil {
		s.logger.Warn("cannot count messages", "chat", t.Chat.ID, "error", err)
	}
	current := strings.TrimSpace(t.Chat.Title)
	if n != 2 && current != "" && current != store.DefaultTitle {
		return t.Chat.Title
	}

	title := s.Title(ctx, t.UserText)
	if _, err := s.store.UpdateChat(ctx, t.Chat.ID, store.ChatUpdate{Title: &title}); err != nil {
		s.logger.Warn("chat title not saved", "chat", t.Chat.ID, "error", err)
	}
	return title
}

// Title names a chat from its first user message with the chat namer
// model, falling back to TitleFallback when no model is available or
// the call fails.
func (s *Service) Title(ctx context.Context, firstUserText string) string {
	model := s.models.ChatNamerModel(s.cfg.ChatNamerModel)
	if model == "" {
		return TitleFallback(firstUserText)
	}

	tctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := prompts.ChatTitlePrompt(s.prompts.Load(prompts.NameChatTitle), firstUserText)
	raw, err := s.gen.Complete(tctx, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		s.logger.Debug("title generation failed", "model", model, "error", err)
		return TitleFallback(firstUserText)
	}
	title := store.ClampTitle(raw)
	if title == "" || title == store.DefaultTitle {
		return TitleFallback(firstUserText)
	}
	return title
}

// TitleFallback is the first 40 characters of text on one line, or the
// default title when text is blank.
func TitleFallback(text string) string {
	t := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if r := []rune(t); len(r) > titleFallbackRunes {
		t = string(r[:titleFallbackRunes])
	}
	if t = strings.TrimSpace(t); t == "" {
		return store.DefaultTitle
	}
	return t
}

// EditMessage replaces a user message's text and drops every message
// after it, so the chat can be regenerated from that point.
func (s *Service) EditMessage(ctx context.Context, chatID, messageID, content string) ([]store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, inputErrorf("content is required")
	}
	m, err := s.store.Message(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Role != llm.RoleUser {
		return nil, inputErrorf("only user messages can be edited")
	}
	return s.store.EditMessage(ctx, chatID, messageID, content)
}
