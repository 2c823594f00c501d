// Package handlers is the thin HTTP shim over the orchestrator: decode,
// delegate, encode. No generation logic lives here.
package handlers

import (
	"log"
	"sync"

	"fable-server/assembly"
	"fable-server/chatlog"
	"fable-server/dispatch"
	"fable-server/events"
	"fable-server/generate"
	"fable-server/injection"
	"fable-server/instruct"
	"fable-server/provider"
	"fable-server/setup"
	"fable-server/tokens"
)

// Server holds the long-lived collaborators and the per-chat orchestrators,
// created lazily on first touch.
type Server struct {
	Config     *setup.Config
	Registry   *provider.Registry
	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Counter    tokens.Counter
	Saver      *chatlog.FileSaver
	Probers    map[provider.Id]*generate.HTTPProber

	mu    sync.Mutex
	chats map[string]*generate.Orchestrator
}

func NewServer(config *setup.Config) (*Server, error) {
	saver, err := chatlog.NewFileSaver(config.DataDir)
	if err != nil {
		return nil, err
	}

	var counter tokens.Counter = tokens.LocalCounter{}
	if config.TokenizerEndpoint != "" {
		counter = tokens.NewRemoteCounter(config.TokenizerEndpoint)
	}

	s := &Server{
		Config:     config,
		Registry:   provider.NewRegistry(),
		Dispatcher: dispatch.NewDispatcher(),
		Bus:        events.NewBus(),
		Counter:    counter,
		Saver:      saver,
		chats:      map[string]*generate.Orchestrator{},
	}
	s.registerProviders()
	return s, nil
}

func (s *Server) registerProviders() {
	p := s.Config.Providers

	s.Registry.Register(&provider.KoboldAdapter{
		Endpoint:    p.Kobold.Endpoint,
		ContextSize: p.Kobold.ContextSize,
	})
	s.Registry.Register(&provider.TextGenAdapter{
		Endpoint:    p.TextGen.Endpoint,
		ContextSize: p.TextGen.ContextSize,
	})
	s.Registry.Register(&provider.NovelAdapter{
		Endpoint: p.Novel.Endpoint,
		ApiKey:   p.Novel.Key,
		Model:    p.Novel.Model,
		Tier:     p.Novel.Tier,
	})
	s.Registry.Register(&provider.OpenAIAdapter{
		Endpoint:    p.OpenAI.Endpoint,
		ApiKey:      p.OpenAI.Key,
		Model:       p.OpenAI.Model,
		ContextSize: p.OpenAI.ContextSize,
	})
	s.Registry.Register(&provider.HordeAdapter{
		Endpoint:         p.Horde.Endpoint,
		ApiKey:           p.Horde.Key,
		Models:           p.Horde.Models,
		ContextSize:      p.Horde.ContextSize,
		WorkerMaxContext: p.Horde.WorkerMaxContext,
		WorkerMaxLength:  p.Horde.WorkerMaxLength,
	})
	s.Registry.Register(&provider.PoeAdapter{
		Endpoint:    p.Poe.Endpoint,
		Token:       p.Poe.Token,
		Bot:         p.Poe.Bot,
		ContextSize: p.Poe.ContextSize,
	})

	s.Probers = map[provider.Id]*generate.HTTPProber{
		provider.ProviderKobold:  generate.NewHTTPProber(p.Kobold.Endpoint+"/api/v1/model", nil),
		provider.ProviderTextGen: generate.NewHTTPProber(p.TextGen.Endpoint+"/v1/models", nil),
		provider.ProviderNovel:   generate.NewHTTPProber(p.Novel.Endpoint+"/user/subscription", map[string]string{"Authorization": "Bearer " + p.Novel.Key}),
		provider.ProviderOpenAI:  generate.NewHTTPProber(p.OpenAI.Endpoint+"/v1/models", map[string]string{"Authorization": "Bearer " + p.OpenAI.Key}),
		provider.ProviderHorde:   generate.NewHTTPProber(p.Horde.Endpoint+"/v2/status/heartbeat", nil),
		provider.ProviderPoe:     generate.NewHTTPProber(p.Poe.Endpoint+"/status", map[string]string{"poe-token": p.Poe.Token}),
	}
}

// Chat returns the orchestrator for chatId, creating and loading it on first
// touch.
func (s *Server) Chat(chatId string) *generate.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if orch, ok := s.chats[chatId]; ok {
		return orch
	}

	store := chatlog.NewStore(chatId, s.Saver)
	if messages, err := s.Saver.LoadChat(chatId); err != nil {
		log.Printf("Error loading chat %s: %v\n", chatId, err)
	} else if len(messages) > 0 {
		store.Load(messages)
	}

	// the orchestrator writes injections the assembler reads, so both get
	// the same table
	table := injection.NewTable()
	orch := generate.NewOrchestrator(
		s.Registry,
		s.Dispatcher,
		assembly.NewAssembler(s.Counter, table),
		table,
		s.Bus,
		store,
		s.settings(),
	)
	orch.Prober = s.Probers[provider.Id(s.Config.Provider)]
	s.chats[chatId] = orch
	return orch
}

func (s *Server) settings() generate.Settings {
	g := s.Config.Generation
	return generate.Settings{
		UserName: s.Config.UserName,
		CharName: s.Config.CharName,
		Provider: provider.Id(s.Config.Provider),
		Params: provider.GenerationParams{
			ResponseLength:    g.ResponseLength,
			Temperature:       g.Temperature,
			TopP:              g.TopP,
			TopK:              g.TopK,
			RepetitionPenalty: g.RepetitionPenalty,
			Streaming:         g.Streaming,
			SingleLine:        g.SingleLine,
			NumCompletions:    g.NumSwipes,
			Logprobs:          g.Logprobs,
		},
		Character: assembly.CharacterFields{
			Description:     s.Config.Character.Description,
			Personality:     s.Config.Character.Personality,
			Scenario:        s.Config.Character.Scenario,
			SystemPrompt:    s.Config.Character.SystemPrompt,
			ExampleDialogue: s.Config.Character.ExampleDialogue,
		},
		Instruct: instruct.Settings{
			Enabled:             s.Config.Instruct.Enabled,
			Wrap:                s.Config.Instruct.Wrap,
			IncludeNames:        s.Config.Instruct.IncludeNames,
			SystemPrompt:        s.Config.Instruct.SystemPrompt,
			SystemSequence:      s.Config.Instruct.SystemSequence,
			InputSequence:       s.Config.Instruct.InputSequence,
			OutputSequence:      s.Config.Instruct.OutputSequence,
			FirstOutputSequence: s.Config.Instruct.FirstOutputSequence,
			LastOutputSequence:  s.Config.Instruct.LastOutputSequence,
			LastInputSequence:   s.Config.Instruct.LastInputSequence,
			SeparatorSequence:   s.Config.Instruct.SeparatorSequence,
			StopSequence:        s.Config.Instruct.StopSequence,
		},
		NamesAsStopStrings:    g.NamesAsStopStrings,
		SingleLineMode:        g.SingleLine,
		CustomStoppingStrings: g.StoppingStrings,
		TokenPadding:          g.TokenPadding,
		AutoContinue: generate.AutoContinue{
			Enabled:      g.AutoContinue,
			TargetTokens: g.AutoContinueTokens,
		},
	}
}

// NumActive reports in-flight foreground generations across every open chat.
func (s *Server) NumActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, orch := range s.chats {
		total += orch.NumActive()
	}
	return total
}
