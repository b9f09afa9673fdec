package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/genserve/genserve/genai"
	"github.com/genserve/genserve/genai/toy"
)

var (
	// CLI flags for engine capacity
	logLevel            string // Log verbosity level
	maxNumBatchedTokens int    // Per-step token budget across all scheduled sequences
	maxNumSeqs          int    // Maximum sequences scheduled in one step
	numKVBlocks         int    // Total KV cache blocks (0 derives from cache-size)
	cacheSize           int    // KV cache size in GiB when num-kv-blocks is 0
	blockSize           int    // Tokens per KV cache block
	enablePrefixCaching bool   // Reuse KV blocks across requests sharing a prompt prefix
	dynamicSplitFuse    bool   // Chunk long prefills across steps

	// CLI flags for generation parameters
	generationConfigPath string // Optional generation config YAML
	maxNewTokens         int    // Tokens to generate per prompt
	doSample             bool   // Multinomial sampling instead of greedy
	temperature          float64
	topK                 int
	topP                 float64
	rngSeed              int64
	stream               bool // Print tokens as they are generated

	// CLI flags for the toy backend
	modelSeed  int64 // Weight seed for the deterministic toy model
	hiddenSize int   // Toy model hidden dimension
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "genserve",
	Short: "Continuous-batching text generation engine",
}

// runCmd generates completions for the given prompts using the toy backend,
// submitting them concurrently while the step loop runs on the main goroutine.
var runCmd = &cobra.Command{
	Use:   "run [prompts...]",
	Short: "Generate completions for one or more prompts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, prompts []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		runID := uuid.NewString()
		logrus.Infof("run %s: %d prompts", runID, len(prompts))

		schedConfig := genai.NewSchedulerConfig()
		schedConfig.MaxNumBatchedTokens = maxNumBatchedTokens
		schedConfig.MaxNumSeqs = maxNumSeqs
		schedConfig.NumKVBlocks = numKVBlocks
		schedConfig.CacheSize = cacheSize
		schedConfig.BlockSize = blockSize
		schedConfig.EnablePrefixCaching = enablePrefixCaching
		schedConfig.DynamicSplitFuse = dynamicSplitFuse

		genConfig := genai.NewGenerationConfig()
		if generationConfigPath != "" {
			genConfig, err = genai.LoadGenerationConfigYAML(generationConfigPath)
			if err != nil {
				return fmt.Errorf("load generation config: %w", err)
			}
		}
		genConfig.MaxNewTokens = maxNewTokens
		genConfig.DoSample = doSample
		genConfig.Temperature = temperature
		genConfig.TopK = topK
		genConfig.TopP = topP
		genConfig.RNGSeed = rngSeed
		if err := genConfig.SetEOSTokenID(toy.EOSTokenID); err != nil {
			return err
		}

		tokenizer := toy.Tokenizer{}
		pipe, err := genai.NewContinuousBatchingPipeline(schedConfig, genConfig, toy.NewModel(hiddenSize, modelSeed), tokenizer)
		if err != nil {
			return err
		}

		var remaining atomic.Int64
		remaining.Store(int64(len(prompts)))

		var g errgroup.Group
		for i, prompt := range prompts {
			id := uint64(i + 1)
			prompt := prompt
			g.Go(func() error {
				var streamer genai.Streamer
				if stream && len(prompts) == 1 {
					streamer = genai.NewTextStreamer(tokenizer, func(chunk string) bool {
						fmt.Print(chunk)
						return false
					})
				}
				h, err := pipe.AddRequest(id, genai.TextInput(prompt), genConfig, streamer)
				if err != nil {
					remaining.Add(-1)
					return err
				}
				<-h.Done()
				remaining.Add(-1)
				result := h.Result()
				if result.Status != genai.StatusFinished {
					return fmt.Errorf("request %d terminated with status %s", id, result.Status)
				}
				if streamer == nil {
					fmt.Printf("[%d] %s%s\n", id, prompt, result.Texts[0])
				} else {
					fmt.Println()
				}
				return nil
			})
		}

		// The step loop runs here while submitters block on their handles.
		for remaining.Load() > 0 {
			if !pipe.HasNonFinishedRequests() {
				runtime.Gosched()
				continue
			}
			if err := pipe.Step(); err != nil {
				return err
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}

		metrics := pipe.Metrics()
		ttft := metrics.TTFT()
		tpot := metrics.TPOT()
		logrus.Infof("run %s: %d input tokens, %d generated tokens, TTFT %.2f ms, TPOT %.2f ms",
			runID, metrics.NumInputTokens(), metrics.NumGeneratedTokens(), ttft.Mean, tpot.Mean)
		logrus.Infof("run %s: %d/%d KV blocks free, %d fresh allocations",
			runID, pipe.Allocator().FreeBlockCount(), pipe.Allocator().TotalBlocks(), pipe.Allocator().FreshAllocations())
		return nil
	},
}

// chatCmd feeds the given messages as consecutive user turns of one chat
// session, demonstrating history templating and prefix reuse across turns.
var chatCmd = &cobra.Command{
	Use:   "chat [messages...]",
	Short: "Run a multi-turn conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, messages []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		schedConfig := genai.NewSchedulerConfig()
		schedConfig.EnablePrefixCaching = true

		genConfig := genai.NewGenerationConfig()
		genConfig.MaxNewTokens = maxNewTokens
		if err := genConfig.SetEOSTokenID(toy.EOSTokenID); err != nil {
			return err
		}

		pipe, err := genai.NewLLMPipeline(schedConfig, genConfig, toy.NewModel(hiddenSize, modelSeed), toy.Tokenizer{})
		if err != nil {
			return err
		}

		pipe.StartChat("")
		defer pipe.FinishChat()
		for _, message := range messages {
			fmt.Printf("user: %s\n", message)
			results, err := pipe.Generate(genai.TextInput(message), nil, nil)
			if err != nil {
				return err
			}
			fmt.Printf("assistant: %s\n", results.Texts[0])
		}
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Engine capacity
	runCmd.Flags().IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 256, "Per-step token budget across scheduled sequences")
	runCmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 256, "Maximum sequences scheduled in one step")
	runCmd.Flags().IntVar(&numKVBlocks, "num-kv-blocks", 0, "Total KV cache blocks (0 derives the count from cache-size)")
	runCmd.Flags().IntVar(&cacheSize, "cache-size", 1, "KV cache size in GiB when num-kv-blocks is 0")
	runCmd.Flags().IntVar(&blockSize, "block-size", 16, "Tokens per KV cache block")
	runCmd.Flags().BoolVar(&enablePrefixCaching, "enable-prefix-caching", false, "Reuse KV blocks across requests sharing a prompt prefix")
	runCmd.Flags().BoolVar(&dynamicSplitFuse, "dynamic-split-fuse", true, "Chunk long prefills across steps")

	// Generation parameters
	runCmd.Flags().StringVar(&generationConfigPath, "generation-config", "", "Generation config YAML (flags override file values)")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 64, "Tokens to generate per prompt")
	runCmd.Flags().BoolVar(&doSample, "do-sample", false, "Multinomial sampling instead of greedy")
	runCmd.Flags().Float64Var(&temperature, "temperature", 1.0, "Sampling temperature")
	runCmd.Flags().IntVar(&topK, "top-k", 0, "Top-k shortlist size (0 disables)")
	runCmd.Flags().Float64Var(&topP, "top-p", 1.0, "Nucleus sampling threshold")
	runCmd.Flags().Int64Var(&rngSeed, "seed", 0, "Sampling seed")
	runCmd.Flags().BoolVar(&stream, "stream", false, "Print tokens as they are generated (single prompt only)")

	// Toy backend
	runCmd.Flags().Int64Var(&modelSeed, "model-seed", 42, "Weight seed for the deterministic toy model")
	runCmd.Flags().IntVar(&hiddenSize, "hidden-size", 32, "Toy model hidden dimension")
	chatCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 32, "Tokens to generate per turn")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
}
