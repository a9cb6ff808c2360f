// Package session implements the per-conversation runtime: lifecycle,
// lazy wiring of heavy dependencies, turn orchestration with detached
// background memory work, and transcript persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matrixagent/matrix/pkg/config"
	"github.com/matrixagent/matrix/pkg/event"
	"github.com/matrixagent/matrix/pkg/history"
	"github.com/matrixagent/matrix/pkg/llm"
	"github.com/matrixagent/matrix/pkg/llmcontext"
	"github.com/matrixagent/matrix/pkg/llms"
	"github.com/matrixagent/matrix/pkg/memory"
	"github.com/matrixagent/matrix/pkg/protocol"
	"github.com/matrixagent/matrix/pkg/tools"
)

var (
	// ErrNotInitialized means Run was called before Init.
	ErrNotInitialized = errors.New("session is not initialized")

	// ErrEmptyInput rejects blank user turns.
	ErrEmptyInput = errors.New("input must not be empty")

	// ErrInvalidImage rejects image attachments missing data or a mime
	// type.
	ErrInvalidImage = errors.New("invalid image data: image and mimeType are required")
)

// storageBackoff is the cooperative pause before the first storage
// construction; it spreads out sessions racing to build identical
// connections.
const storageBackoff = 25 * time.Millisecond

// storageOwnership says whether the session built its history provider
// (and must close it) or borrowed a shared one.
type storageOwnership int

const (
	storageExclusive storageOwnership = iota
	storageBorrowed
)

// Services are the process-wide collaborators shared by all sessions.
// Sessions invoke them but never mutate their internal state.
type Services struct {
	Config     *config.Config
	Tools      *tools.Manager
	Bus        *event.Bus
	Knowledge  *memory.KnowledgeEngine
	Reflection *memory.ReflectionEngine

	// History, when set, is a shared storage backend that sessions
	// borrow instead of building their own.
	History history.Provider
}

// Options tune one session.
type Options struct {
	SystemPrompt     string
	MaxContextTokens int

	// MemoryMetadata are session defaults merged with per-run
	// overrides before reaching the memory pipeline.
	MemoryMetadata map[string]interface{}

	// MetadataSchema validates merged metadata. On failure the per-run
	// overrides are dropped and session defaults are kept.
	MetadataSchema func(map[string]interface{}) error

	// MergeMetadata overrides the plain overlay merge. Never restored
	// from serialized records.
	MergeMetadata func(defaults, overrides map[string]interface{}) map[string]interface{}
}

// RunOptions tune one turn.
type RunOptions struct {
	// ConversationTopic feeds the memory decision context.
	ConversationTopic string

	// MetadataOverrides are merged over the session's MemoryMetadata
	// for this turn only.
	MetadataOverrides map[string]interface{}
}

// RunResult is the foreground outcome of one turn plus the handle on
// its detached memory work.
type RunResult struct {
	Response string

	// Background completes when the knowledge and reflection
	// pipelines for this turn finish. Their errors are swallowed;
	// Wait always returns nil.
	Background *errgroup.Group
}

// Session is one logical conversation.
type Session struct {
	ID string

	llmCfg   config.LLMConfig
	services *Services
	opts     Options

	mu              sync.Mutex
	initialized     bool
	cm              *llmcontext.Manager
	svc             *llm.Service
	historyProvider history.Provider
	ownership       storageOwnership
	llmReady        bool
	storageReady    bool
	restored        bool

	// runMu keeps at most one Run in flight per session.
	runMu sync.Mutex

	createdAt    time.Time
	lastActivity time.Time
}

// New builds an uninitialized session.
func New(id string, services *Services, opts Options) *Session {
	return &Session{
		ID:        id,
		llmCfg:    services.Config.LLM,
		services:  services,
		opts:      opts,
		createdAt: time.Now(),
	}
}

// Init sets up the context manager with the provider formatter and, if
// a shared storage was injected, binds it immediately. Idempotent;
// surfaces llms.ErrUnsupportedProvider for unknown providers.
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	systemPrompt := s.opts.SystemPrompt
	if systemPrompt == "" && s.services.Config.SystemPrompt.Enabled {
		systemPrompt = s.services.Config.SystemPrompt.Content
	}

	cm, err := llmcontext.NewManager(llmcontext.Config{
		SessionID:        s.ID,
		Provider:         s.llmCfg.Provider,
		Model:            s.llmCfg.Model,
		SystemPrompt:     systemPrompt,
		MaxContextTokens: s.opts.MaxContextTokens,
	}, nil)
	if err != nil {
		return err
	}
	s.cm = cm

	if s.services.History != nil {
		s.historyProvider = s.services.History
		s.ownership = storageBorrowed
		s.cm.SetHistoryProvider(s.historyProvider)
		s.storageReady = true
	}

	s.initialized = true
	if s.services.Bus != nil {
		s.services.Bus.EmitSession(s.ID, event.TypeSessionInitialized, nil)
	}
	return nil
}

// Run executes one foreground turn and detaches the memory work. The
// returned RunResult carries the response and the background handle.
func (s *Session) Run(ctx context.Context, input string, image *protocol.ImageData, runOpts *RunOptions) (*RunResult, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if image != nil && !image.Validate() {
		return nil, ErrInvalidImage
	}

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.ensureStorage()
	if err := s.ensureLLM(); err != nil {
		return nil, err
	}
	s.ensureRestored(ctx)

	before := s.cm.MessageCount()
	if err := s.cm.AddUserMessage(ctx, input, image); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	response, err := s.svc.Generate(ctx, s.ID, s.cm)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	turn := s.cm.GetRawMessages()
	if before+1 < len(turn) {
		turn = turn[before+1:]
	} else {
		turn = nil
	}

	return &RunResult{
		Response:   response,
		Background: s.startBackground(input, turn, runOpts),
	}, nil
}

// startBackground launches the knowledge and reflection pipelines for
// one turn. Failures stay in logs and events; the handle never returns
// an error.
func (s *Session) startBackground(input string, turn []protocol.Message, runOpts *RunOptions) *errgroup.Group {
	interaction := memory.CollectInteraction(input, turn)

	decCtx := memory.DecisionContext{Metadata: s.mergeMetadata(runOpts)}
	if runOpts != nil {
		decCtx.ConversationTopic = runOpts.ConversationTopic
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Background memory job panicked", "sessionID", s.ID, "panic", r)
			}
		}()

		ctx := context.Background()
		if s.services.Knowledge != nil {
			s.services.Knowledge.ProcessInteractionWithContext(ctx, s.ID, interaction, decCtx)
		}
		if s.services.Reflection != nil {
			s.services.Reflection.Reflect(ctx, s.ID, input)
		}
		return nil
	})
	return g
}

// mergeMetadata overlays per-run metadata overrides onto the session
// defaults. A schema rejection keeps the defaults and drops the
// overrides.
func (s *Session) mergeMetadata(runOpts *RunOptions) map[string]interface{} {
	defaults := s.opts.MemoryMetadata
	if runOpts == nil || len(runOpts.MetadataOverrides) == 0 {
		return defaults
	}

	var merged map[string]interface{}
	if s.opts.MergeMetadata != nil {
		merged = s.opts.MergeMetadata(defaults, runOpts.MetadataOverrides)
	} else {
		merged = make(map[string]interface{}, len(defaults)+len(runOpts.MetadataOverrides))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range runOpts.MetadataOverrides {
			merged[k] = v
		}
	}

	if s.opts.MetadataSchema != nil {
		if err := s.opts.MetadataSchema(merged); err != nil {
			slog.Warn("Memory metadata failed validation, keeping session defaults", "sessionID", s.ID, "error", err)
			return defaults
		}
	}
	return merged
}

// ensureStorage lazily builds the history provider from the
// environment. Failure leaves the guard unset so a later turn retries;
// the current turn runs with an ephemeral transcript.
func (s *Session) ensureStorage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storageReady {
		return
	}

	time.Sleep(storageBackoff)

	provider, err := history.NewProviderFromEnv(&s.services.Config.History)
	if errors.Is(err, history.ErrDisabled) {
		s.storageReady = true
		return
	}
	if err != nil {
		slog.Warn("History provider unavailable, transcript is ephemeral this turn", "sessionID", s.ID, "error", err)
		return
	}

	s.historyProvider = provider
	s.ownership = storageExclusive
	s.cm.SetHistoryProvider(provider)
	s.storageReady = true
}

// ensureLLM lazily builds the provider client and service. Errors are
// surfaced and the guard stays unset.
func (s *Session) ensureLLM() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.llmReady {
		return nil
	}

	provider, err := llms.NewProviderFromConfig(&s.llmCfg)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}

	var toolProvider llm.ToolProvider
	if s.services.Tools != nil {
		toolProvider = s.services.Tools
	}
	svc := llm.NewService(provider, s.llmCfg.Provider, toolProvider, s.services.Bus)
	svc.SetMaxIterations(s.llmCfg.MaxIterations)
	s.svc = svc
	s.llmReady = true
	return nil
}

// ensureRestored loads the persisted transcript once per session.
func (s *Session) ensureRestored(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored || s.historyProvider == nil {
		return
	}
	s.restored = true

	if err := s.refreshLocked(ctx); err != nil {
		slog.Warn("History restoration failed, starting with an empty transcript", "sessionID", s.ID, "error", err)
	}
}

// RefreshConversationHistory clears the transcript and reloads it from
// the history provider.
func (s *Session) RefreshConversationHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.refreshLocked(ctx)
}

// refreshLocked tries the three restoration strategies in order:
// provider-driven restore, bulk set, per-message append.
func (s *Session) refreshLocked(ctx context.Context) error {
	if s.historyProvider == nil {
		return history.ErrDisabled
	}

	s.cm.ClearMessages()
	s.cm.SetHistoryProvider(s.historyProvider)

	restoreErr := s.cm.RestoreHistory(ctx)
	if restoreErr == nil {
		return nil
	}
	slog.Debug("Provider-driven restore failed, trying bulk set", "sessionID", s.ID, "error", restoreErr)

	messages, err := s.historyProvider.GetMessages(ctx, s.ID)
	if err == nil {
		s.cm.SetMessages(messages)
		return nil
	}
	slog.Debug("Bulk restore failed, trying per-message append", "sessionID", s.ID, "error", err)

	messages, err = s.historyProvider.GetMessages(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("all restoration strategies failed: %w", err)
	}
	for _, msg := range messages {
		s.cm.AppendLocal(msg)
	}
	return nil
}

// Disconnect releases the history provider if this session owns it.
// In-flight background jobs are not cancelled; they finish on their
// own. The session's durable history remains in the store.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyProvider != nil && s.ownership == storageExclusive {
		if err := s.historyProvider.Close(); err != nil {
			slog.Warn("Failed to close history provider", "sessionID", s.ID, "error", err)
		}
	}
	s.historyProvider = nil
	s.storageReady = false
	s.restored = false
	if s.cm != nil {
		s.cm.SetHistoryProvider(nil)
	}

	if s.services.Bus != nil {
		s.services.Bus.EmitSession(s.ID, event.TypeSessionDisconnected, nil)
		s.services.Bus.DropSession(s.ID)
	}
}

// Context exposes the context manager, mainly for serialization and
// tests.
func (s *Session) Context() *llmcontext.Manager {
	return s.cm
}
