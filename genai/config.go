package genai

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfigKey is returned when a generation config override names a
// key outside the recognized set.
var ErrInvalidConfigKey = errors.New("incorrect GenerationConfig parameter name")

// StopCriteria controls the stopping condition for grouped beam search.
type StopCriteria int

const (
	// StopCriteriaEarly stops as soon as there are num_beams complete candidates.
	StopCriteriaEarly StopCriteria = iota
	// StopCriteriaHeuristic stops when it is unlikely to find better candidates.
	StopCriteriaHeuristic
	// StopCriteriaNever stops only when there cannot be better candidates.
	StopCriteriaNever
)

func (c StopCriteria) String() string {
	switch c {
	case StopCriteriaEarly:
		return "early"
	case StopCriteriaHeuristic:
		return "heuristic"
	case StopCriteriaNever:
		return "never"
	}
	return fmt.Sprintf("StopCriteria(%d)", int(c))
}

// GenerationConfig holds the per-request generation parameters.
//
// For a selected method of decoding only parameters from that group and the
// generic stopping parameters are used: if DoSample is set, the random
// sampling group applies; if NumBeams > 1, the beam search group applies;
// otherwise decoding is greedy and both groups are inert.
//
// A GenerationConfig is resolved once per request and never mutated after
// resolution; the scheduler reads it concurrently across steps.
type GenerationConfig struct {
	// Generic stopping parameters.
	MaxLength              int      `yaml:"max_length" json:"max_length"`           // prompt + generated; 0 = unlimited
	MaxNewTokens           int      `yaml:"max_new_tokens" json:"max_new_tokens"`   // has priority over MaxLength; 0 = unset
	MinNewTokens           int      `yaml:"min_new_tokens" json:"min_new_tokens"`   // EOS is suppressed for the first MinNewTokens tokens
	IgnoreEOS              bool     `yaml:"ignore_eos" json:"ignore_eos"`           // keep generating even when EOS is met
	EOSTokenID             int64    `yaml:"eos_token_id" json:"eos_token_id"`       // -1 = unset
	StopStrings            []string `yaml:"stop_strings" json:"stop_strings"`
	IncludeStopStrInOutput bool     `yaml:"include_stop_str_in_output" json:"include_stop_str_in_output"`
	StopTokenIDs           []int64  `yaml:"stop_token_ids" json:"stop_token_ids"`

	// Beam search parameters. Active when NumBeams > 1.
	NumBeams           int          `yaml:"num_beams" json:"num_beams"`
	NumBeamGroups      int          `yaml:"num_beam_groups" json:"num_beam_groups"`
	DiversityPenalty   float64      `yaml:"diversity_penalty" json:"diversity_penalty"`
	LengthPenalty      float64      `yaml:"length_penalty" json:"length_penalty"`
	NumReturnSequences int          `yaml:"num_return_sequences" json:"num_return_sequences"`
	NoRepeatNgramSize  int          `yaml:"no_repeat_ngram_size" json:"no_repeat_ngram_size"`
	StopCriteria       StopCriteria `yaml:"stop_criteria" json:"stop_criteria"`

	// Random sampling parameters. Active when DoSample is true.
	Temperature       float64 `yaml:"temperature" json:"temperature"`
	TopP              float64 `yaml:"top_p" json:"top_p"`
	TopK              int     `yaml:"top_k" json:"top_k"` // 0 = full vocabulary
	DoSample          bool    `yaml:"do_sample" json:"do_sample"`
	RepetitionPenalty float64 `yaml:"repetition_penalty" json:"repetition_penalty"`
	PresencePenalty   float64 `yaml:"presence_penalty" json:"presence_penalty"`
	FrequencyPenalty  float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
	RNGSeed           int64   `yaml:"rng_seed" json:"rng_seed"`
}

// NewGenerationConfig returns a config with greedy-decoding defaults.
func NewGenerationConfig() GenerationConfig {
	return GenerationConfig{
		EOSTokenID:         -1,
		NumBeams:           1,
		NumBeamGroups:      1,
		LengthPenalty:      1.0,
		NumReturnSequences: 1,
		StopCriteria:       StopCriteriaHeuristic,
		Temperature:        1.0,
		TopP:               1.0,
		RepetitionPenalty:  1.0,
	}
}

// LoadGenerationConfigYAML reads a persisted GenerationConfig.
func LoadGenerationConfigYAML(path string) (GenerationConfig, error) {
	cfg := NewGenerationConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read generation config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse generation config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadGenerationConfigJSON reads a HuggingFace-style generation_config.json.
func LoadGenerationConfigJSON(path string) (GenerationConfig, error) {
	cfg := NewGenerationConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read generation config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse generation config: %w", err)
	}
	return cfg, cfg.Validate()
}

// IsBeamSearch reports whether the beam search parameter group is active.
func (c *GenerationConfig) IsBeamSearch() bool { return c.NumBeams > 1 }

// IsMultinomial reports whether the random sampling group is active.
func (c *GenerationConfig) IsMultinomial() bool { return c.DoSample && !c.IsBeamSearch() }

// IsGreedy reports whether neither parameter group is active.
func (c *GenerationConfig) IsGreedy() bool { return !c.DoSample && !c.IsBeamSearch() }

// SetEOSTokenID installs the end-of-sequence token id. The id participates in
// min-new-tokens suppression, so it goes through this setter rather than raw
// field assignment.
func (c *GenerationConfig) SetEOSTokenID(id int64) error {
	if id < 0 {
		return fmt.Errorf("eos_token_id must be non-negative, got %d", id)
	}
	c.EOSTokenID = id
	return nil
}

// MaxGeneratedTokens returns the effective cap on newly generated tokens for
// a prompt of the given length. MaxNewTokens has priority over MaxLength.
func (c *GenerationConfig) MaxGeneratedTokens(promptLen int) int {
	if c.MaxNewTokens > 0 {
		return c.MaxNewTokens
	}
	if c.MaxLength > 0 {
		if c.MaxLength <= promptLen {
			return 0
		}
		return c.MaxLength - promptLen
	}
	return math.MaxInt
}

// NumSequences returns how many candidate sequences a request spawns.
func (c *GenerationConfig) NumSequences() int {
	if c.IsBeamSearch() {
		return c.NumBeams
	}
	if c.DoSample && c.NumReturnSequences > 1 {
		return c.NumReturnSequences
	}
	return 1
}

// IsStopTokenID reports whether id terminates generation via stop_token_ids.
func (c *GenerationConfig) IsStopTokenID(id int64) bool {
	for _, stop := range c.StopTokenIDs {
		if stop == id {
			return true
		}
	}
	return false
}

// Validate checks internal consistency of the resolved config.
func (c *GenerationConfig) Validate() error {
	if c.MaxNewTokens < 0 || c.MaxLength < 0 || c.MinNewTokens < 0 {
		return fmt.Errorf("length limits must be non-negative")
	}
	if limit := c.MaxNewTokens; limit > 0 && c.MinNewTokens > limit {
		return fmt.Errorf("min_new_tokens (%d) exceeds max_new_tokens (%d)", c.MinNewTokens, limit)
	}
	if c.NumBeams < 1 {
		return fmt.Errorf("num_beams must be >= 1, got %d", c.NumBeams)
	}
	if c.NumReturnSequences < 1 {
		return fmt.Errorf("num_return_sequences must be >= 1, got %d", c.NumReturnSequences)
	}
	if c.IsBeamSearch() {
		if c.DoSample {
			return fmt.Errorf("beam search and multinomial sampling are mutually exclusive")
		}
		if c.NumBeamGroups < 1 || c.NumBeams%c.NumBeamGroups != 0 {
			return fmt.Errorf("num_beams (%d) must be divisible by num_beam_groups (%d)", c.NumBeams, c.NumBeamGroups)
		}
		if c.NumBeamGroups > 1 && c.DiversityPenalty == 0 {
			return fmt.Errorf("diversity_penalty must be set for grouped beam search")
		}
		if c.NumReturnSequences > c.NumBeams {
			return fmt.Errorf("num_return_sequences (%d) exceeds num_beams (%d)", c.NumReturnSequences, c.NumBeams)
		}
	} else if c.NumReturnSequences > 1 && !c.DoSample {
		return fmt.Errorf("num_return_sequences > 1 requires do_sample or beam search")
	}
	if c.DoSample {
		if c.Temperature <= 0 {
			return fmt.Errorf("temperature must be > 0, got %v", c.Temperature)
		}
		if c.TopP <= 0 || c.TopP > 1 {
			return fmt.Errorf("top_p must be in (0, 1], got %v", c.TopP)
		}
		if c.TopK < 0 {
			return fmt.Errorf("top_k must be >= 0, got %d", c.TopK)
		}
	}
	if c.RepetitionPenalty <= 0 {
		return fmt.Errorf("repetition_penalty must be > 0, got %v", c.RepetitionPenalty)
	}
	if c.NoRepeatNgramSize < 0 {
		return fmt.Errorf("no_repeat_ngram_size must be >= 0, got %d", c.NoRepeatNgramSize)
	}
	return nil
}

// ConfigOverride is one named override applied during resolution. Overrides
// are applied in order, mirroring keyword-argument semantics.
type ConfigOverride struct {
	Key   string
	Value AnyValue
}

// ResolveGenerationConfig merges a base config with named overrides into one
// resolved config. A nil base starts from defaults.
//
// An override whose value is the absent marker short-circuits resolution and
// returns the config accumulated so far: callers passing through large
// third-party option sets may leave keys intentionally unset, and an unset
// key must not fail resolution even if its name is unrecognized.
//
// Resolution is pure: the inputs are never mutated and equal inputs resolve
// to equal outputs.
func ResolveGenerationConfig(base *GenerationConfig, overrides []ConfigOverride) (GenerationConfig, error) {
	cfg := NewGenerationConfig()
	if base != nil {
		cfg = *base
		cfg.StopStrings = append([]string(nil), base.StopStrings...)
		cfg.StopTokenIDs = append([]int64(nil), base.StopTokenIDs...)
	}

	for _, ov := range overrides {
		if ov.Value.IsAbsent() {
			return cfg, nil
		}
		if err := applyOverride(&cfg, ov); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyOverride(cfg *GenerationConfig, ov ConfigOverride) error {
	var err error
	switch ov.Key {
	case "max_new_tokens":
		err = setInt(&cfg.MaxNewTokens, ov.Value)
	case "max_length":
		err = setInt(&cfg.MaxLength, ov.Value)
	case "min_new_tokens":
		err = setInt(&cfg.MinNewTokens, ov.Value)
	case "ignore_eos":
		cfg.IgnoreEOS, err = ov.Value.Bool()
	case "eos_token_id":
		var id int64
		if id, err = ov.Value.Int(); err == nil {
			err = cfg.SetEOSTokenID(id)
		}
	case "stop_strings":
		cfg.StopStrings, err = ov.Value.StringList()
	case "include_stop_str_in_output":
		cfg.IncludeStopStrInOutput, err = ov.Value.Bool()
	case "stop_token_ids":
		cfg.StopTokenIDs, err = ov.Value.IntList()
	case "num_beams":
		err = setInt(&cfg.NumBeams, ov.Value)
	case "num_beam_groups":
		err = setInt(&cfg.NumBeamGroups, ov.Value)
	case "diversity_penalty":
		cfg.DiversityPenalty, err = ov.Value.Float()
	case "length_penalty":
		cfg.LengthPenalty, err = ov.Value.Float()
	case "num_return_sequences":
		err = setInt(&cfg.NumReturnSequences, ov.Value)
	case "no_repeat_ngram_size":
		err = setInt(&cfg.NoRepeatNgramSize, ov.Value)
	case "stop_criteria":
		var n int64
		if n, err = ov.Value.Int(); err == nil {
			cfg.StopCriteria = StopCriteria(n)
		}
	case "temperature":
		cfg.Temperature, err = ov.Value.Float()
	case "top_p":
		cfg.TopP, err = ov.Value.Float()
	case "top_k":
		err = setInt(&cfg.TopK, ov.Value)
	case "do_sample":
		cfg.DoSample, err = ov.Value.Bool()
	case "repetition_penalty":
		cfg.RepetitionPenalty, err = ov.Value.Float()
	case "presence_penalty":
		cfg.PresencePenalty, err = ov.Value.Float()
	case "frequency_penalty":
		cfg.FrequencyPenalty, err = ov.Value.Float()
	case "rng_seed":
		cfg.RNGSeed, err = ov.Value.Int()
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConfigKey, ov.Key)
	}
	if err != nil {
		return fmt.Errorf("override %q: %w", ov.Key, err)
	}
	return nil
}

func setInt(dst *int, v AnyValue) error {
	n, err := v.Int()
	if err != nil {
		return err
	}
	*dst = int(n)
	return nil
}
