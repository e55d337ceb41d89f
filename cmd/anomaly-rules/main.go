// Package main provides a CLI tool for validating anomaly detection rule files.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"anomaly-engine/internal/rules"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "builtin":
		os.Exit(runBuiltin())
	case "-version", "--version", "-v":
		fmt.Printf("anomaly-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: anomaly-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML rule files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules found in files or directories\n")
	fmt.Fprintf(os.Stderr, "  builtin   Print the built-in rule pack as YAML\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	_ = fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: anomaly-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"configs/rules"}
	}

	os.Exit(runList(paths))
}

// runValidate checks every file and reports names duplicated across files,
// which the engine would silently skip at load time.
func runValidate(paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int
	seen := make(map[string]string)

	for _, path := range paths {
		files, err := rules.CollectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(f, verbose, seen) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(path string, verbose bool, seen map[string]string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	parsed, err := rules.ParseRules(data)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}
	for _, rule := range parsed {
		if prev, ok := seen[rule.Name]; ok {
			fmt.Printf("  FAIL  %s: rule %q already defined in %s\n", path, rule.Name, prev)
			return false
		}
		seen[rule.Name] = path
	}

	fmt.Printf("  OK    %s (%d rule(s))\n", path, len(parsed))

	if verbose {
		for _, rule := range parsed {
			fmt.Printf("        - %s (category=%s, method=%s, threshold=%g, severity=%s)\n",
				rule.Name, rule.Category, rule.Method, rule.Threshold, rule.Severity)
			p := rule.Params
			fmt.Printf("          entity_type: %s", p.EntityType)
			if p.Metric != "" {
				fmt.Printf("  metric: %s", p.Metric)
			}
			if p.Action != "" {
				fmt.Printf("  action: %s", p.Action)
			}
			if p.WindowDays > 0 {
				fmt.Printf("  window_days: %d", p.WindowDays)
			}
			fmt.Println()
		}
	}

	return true
}

func runList(paths []string) int {
	for _, path := range paths {
		files, err := rules.CollectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			parsed, err := rules.ParseRules(data)
			if err != nil {
				continue
			}
			for _, rule := range parsed {
				fmt.Printf("%-40s  %-12s  %-20s  %-8s  %s\n",
					rule.Name, rule.Category, rule.Method, rule.Severity, rule.Params.EntityType)
			}
		}
	}
	return 0
}

func runBuiltin() int {
	out, err := yaml.Marshal(struct {
		Rules []rules.DetectionRule `yaml:"rules"`
	}{Rules: rules.Builtin()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	os.Stdout.Write(out)
	return 0
}
