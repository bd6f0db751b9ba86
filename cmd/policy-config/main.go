package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/policy"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("policy-config - Configuration tool for the policy engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  policy-config convert <input> <output>  - Convert between formats")
	fmt.Println("  policy-config validate <file>           - Validate configuration")
	fmt.Println("  policy-config stats <file>              - Show configuration statistics")
	fmt.Println("  policy-config apply <file>              - Apply configuration to an engine")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: policy-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := policy.LoadConfigFile(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := policy.LoadConfigFile(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(nil); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %s\n", cfg.Version)
	fmt.Printf("  Policies: %d\n", len(cfg.Documents))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := policy.LoadConfigFile(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %s\n", cfg.Version)
	fmt.Println()

	fmt.Printf("Policies: %d\n", len(cfg.Documents))
	if len(cfg.Documents) > 0 {
		statements, allow, deny, conditional, functions := 0, 0, 0, 0, 0
		for _, doc := range cfg.Documents {
			statements += len(doc.Statements)
			functions += len(doc.Functions)
			for _, st := range doc.Statements {
				if st.Effect == policy.EffectAllow {
					allow++
				} else {
					deny++
				}
				if st.Condition != nil {
					conditional++
				}
			}
		}
		fmt.Println()
		fmt.Println("Statement Details:")
		fmt.Printf("  Total:       %d\n", statements)
		fmt.Printf("  Allow:       %d\n", allow)
		fmt.Printf("  Deny:        %d\n", deny)
		fmt.Printf("  Conditional: %d\n", conditional)
		fmt.Printf("  Local functions: %d\n", functions)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache TTL:             %dms\n", cfg.Engine.CacheTTLMs)
	fmt.Printf("  Default decision:      %s\n", orDefault(cfg.Engine.DefaultDecision, string(policy.EffectDeny)))
	fmt.Printf("  Conflict resolution:   %s\n", orDefault(cfg.Engine.ConflictResolution, string(policy.StrategyDenyOverrides)))
	fmt.Printf("  Max evaluation depth:  %d\n", orDefaultInt(cfg.Engine.MaxEvaluationDepth, policy.DefaultMaxEvaluationDepth))
	fmt.Printf("  Max evaluation time:   %dms\n", cfg.Engine.MaxEvaluationTimeMs)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: policy-config apply <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := policy.LoadConfigFile(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine, err := policy.New(policy.NewMemoryDocumentStore())
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies loaded: %d\n", len(cfg.Documents))
}

func saveConfig(cfg *policy.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
