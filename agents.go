package aguimesh

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/aguimesh/agent"
	"github.com/hupe1980/aguimesh/config"
	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/model"
	anthropicmodel "github.com/hupe1980/aguimesh/model/anthropic"
	openaimodel "github.com/hupe1980/aguimesh/model/openai"
)

// NewAgent builds the agent declared by cfg and the translator factory for
// the items it emits. A nil factory means the agent emits core events.
func NewAgent(cfg config.AgentConfig) (core.Agent, core.TranslatorFactory, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		a := openaimodel.New(func(o *openaimodel.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.APIKey = cfg.APIKey
			o.Description = cfg.Description
		})
		return a, a.Translator(), nil

	case config.ProviderAnthropic:
		a := anthropicmodel.New(func(o *anthropicmodel.Options) {
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.APIKey = cfg.APIKey
			o.Description = cfg.Description
		})
		return a, a.Translator(), nil

	case config.ProviderEcho:
		return model.Echo{}, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// NewComposite builds a sequential, parallel or loop agent over children
// already present in built.
func NewComposite(cfg config.AgentConfig, built map[string]core.Agent) (core.Agent, error) {
	children := make([]core.Agent, len(cfg.Agents))
	for i, id := range cfg.Agents {
		child, ok := built[id]
		if !ok {
			return nil, fmt.Errorf("child agent %q is not declared", id)
		}
		children[i] = child
	}

	switch cfg.Provider {
	case config.ProviderSequential:
		return agent.NewSequential(cfg.Description, children...), nil

	case config.ProviderParallel:
		return agent.NewParallel(cfg.Description, cfg.Timeout.D(), children...), nil

	case config.ProviderLoop:
		if len(children) != 1 {
			return nil, fmt.Errorf("loop needs exactly one child, got %d", len(children))
		}
		opts := []agent.LoopOption{
			agent.WithDescription(cfg.Description),
			agent.WithInterval(cfg.Interval.D()),
		}
		if cfg.MaxIters > 0 {
			opts = append(opts, agent.WithMaxIters(cfg.MaxIters))
		}
		if cfg.Until != "" {
			until := cfg.Until
			opts = append(opts, agent.WithPredicate(func(out string) bool {
				return strings.Contains(out, until)
			}))
		}
		return agent.NewLoop(children[0], opts...), nil

	default:
		return nil, fmt.Errorf("unknown composite provider %q", cfg.Provider)
	}
}
