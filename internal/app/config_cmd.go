package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/spf13/pflag"

	"github.com/nuetzliches/beacon/internal/config"
)

func configCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "config: missing subcommand (validate)")
		return 2
	}
	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "config: unknown subcommand %q\n", args[0])
		return 2
	}
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("config validate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	format := fs.String("format", "text", "output format (json|text)")
	printEffective := fs.Bool("print", false, "print the effective configuration as YAML (secrets masked)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	*format = strings.ToLower(strings.TrimSpace(*format))
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "config validate: invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	var res config.ValidationResult
	cfg, err := config.LoadUnvalidated(*configPath)
	if err != nil {
		res = config.ValidationResult{OK: false, Errors: []string{err.Error()}}
	} else {
		res = config.Validate(cfg)
	}
	if *printEffective && cfg != nil {
		out, err := configDump(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "config validate: %v\n", err)
			return 1
		}
		fmt.Fprint(stdout, out)
	}

	if *format == "json" {
		out, err := config.FormatValidationJSON(res)
		if err != nil {
			fmt.Fprintf(stderr, "config validate: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	} else {
		fmt.Fprintln(stdout, config.FormatValidationText(res))
		for _, e := range res.Errors {
			fmt.Fprintf(stdout, "  error: %s\n", e)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(stdout, "  warning: %s\n", w)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

// configDump renders the effective configuration as YAML.
func configDump(cfg *config.Config) (string, error) {
	out, err := config.Marshal(cfg, yaml.Parser())
	if err != nil {
		return "", err
	}
	return string(out), nil
}
