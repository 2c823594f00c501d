package setup

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server profile, loaded once at startup from fable.yaml
// and FABLE_* environment variables. Environment wins over file.
type Config struct {
	Port    string `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`

	// TokenizerEndpoint enables exact remote token counts; empty means the
	// local estimate is used everywhere.
	TokenizerEndpoint string `mapstructure:"tokenizer_endpoint"`

	Provider  string          `mapstructure:"provider"`
	Providers ProvidersConfig `mapstructure:"providers"`

	Generation GenerationConfig `mapstructure:"generation"`

	UserName string `mapstructure:"user_name"`
	CharName string `mapstructure:"char_name"`

	Character CharacterConfig `mapstructure:"character"`
	Instruct  InstructConfig  `mapstructure:"instruct"`
}

// CharacterConfig is the active character card.
type CharacterConfig struct {
	Description     string `mapstructure:"description"`
	Personality     string `mapstructure:"personality"`
	Scenario        string `mapstructure:"scenario"`
	SystemPrompt    string `mapstructure:"system_prompt"`
	ExampleDialogue string `mapstructure:"example_dialogue"`
}

// InstructConfig mirrors the instruct-mode template settings.
type InstructConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Wrap                bool   `mapstructure:"wrap"`
	IncludeNames        bool   `mapstructure:"include_names"`
	SystemPrompt        string `mapstructure:"system_prompt"`
	SystemSequence      string `mapstructure:"system_sequence"`
	InputSequence       string `mapstructure:"input_sequence"`
	OutputSequence      string `mapstructure:"output_sequence"`
	FirstOutputSequence string `mapstructure:"first_output_sequence"`
	LastOutputSequence  string `mapstructure:"last_output_sequence"`
	LastInputSequence   string `mapstructure:"last_input_sequence"`
	SeparatorSequence   string `mapstructure:"separator_sequence"`
	StopSequence        string `mapstructure:"stop_sequence"`
}

type ProvidersConfig struct {
	Kobold  EndpointConfig `mapstructure:"kobold"`
	TextGen EndpointConfig `mapstructure:"textgen"`
	Novel   EndpointConfig `mapstructure:"novel"`
	OpenAI  EndpointConfig `mapstructure:"openai"`
	Horde   HordeConfig    `mapstructure:"horde"`
	Poe     PoeConfig      `mapstructure:"poe"`
}

type EndpointConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Key         string `mapstructure:"key"`
	Model       string `mapstructure:"model"`
	ContextSize int    `mapstructure:"context_size"`

	// Tier selects the subscription tier for backends that derive their
	// context ceiling from it instead of the configured size.
	Tier int `mapstructure:"tier"`
}

type HordeConfig struct {
	Endpoint         string   `mapstructure:"endpoint"`
	Key              string   `mapstructure:"key"`
	Models           []string `mapstructure:"models"`
	ContextSize      int      `mapstructure:"context_size"`
	WorkerMaxContext int      `mapstructure:"worker_max_context"`
	WorkerMaxLength  int      `mapstructure:"worker_max_length"`
}

type PoeConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Token       string `mapstructure:"token"`
	Bot         string `mapstructure:"bot"`
	ContextSize int    `mapstructure:"context_size"`
}

type GenerationConfig struct {
	ResponseLength    int     `mapstructure:"response_length"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	TopK              int     `mapstructure:"top_k"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	Streaming         bool    `mapstructure:"streaming"`
	SingleLine        bool    `mapstructure:"single_line"`
	NumSwipes         int     `mapstructure:"num_swipes"`
	Logprobs          bool    `mapstructure:"logprobs"`
	TokenPadding      int     `mapstructure:"token_padding"`

	NamesAsStopStrings bool     `mapstructure:"names_as_stop_strings"`
	StoppingStrings    []string `mapstructure:"stopping_strings"`

	AutoContinue       bool `mapstructure:"auto_continue"`
	AutoContinueTokens int  `mapstructure:"auto_continue_tokens"`
}

// LoadConfig reads the profile. A missing config file is fine; defaults plus
// environment cover the minimal setup.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("fable")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fable")

	v.SetEnvPrefix("FABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8088")
	v.SetDefault("data_dir", "data")
	v.SetDefault("provider", "kobold")
	v.SetDefault("user_name", "You")
	v.SetDefault("char_name", "Assistant")
	v.SetDefault("providers.kobold.endpoint", "http://127.0.0.1:5000")
	v.SetDefault("providers.kobold.context_size", 2048)
	v.SetDefault("providers.textgen.endpoint", "http://127.0.0.1:5001")
	v.SetDefault("providers.textgen.context_size", 2048)
	v.SetDefault("providers.novel.endpoint", "https://api.novelai.net")
	v.SetDefault("providers.openai.endpoint", "https://api.openai.com")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.context_size", 8192)
	v.SetDefault("providers.horde.endpoint", "https://aihorde.net/api")
	v.SetDefault("providers.horde.key", "0000000000")
	v.SetDefault("providers.poe.context_size", 8192)
	v.SetDefault("generation.response_length", 250)
	v.SetDefault("generation.temperature", 0.7)
	v.SetDefault("generation.top_p", 0.9)
	v.SetDefault("generation.repetition_penalty", 1.1)
	v.SetDefault("generation.streaming", true)
	v.SetDefault("generation.names_as_stop_strings", true)
	v.SetDefault("generation.token_padding", 64)
	v.SetDefault("generation.auto_continue_tokens", 400)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return &config, nil
}
