package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dawsync/internal/config"
)

// ValidationIssue is one config problem.
type ValidationIssue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Config *config.Config    `json:"config,omitempty"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a config file",
		Long: `Validate a dawsync config against the built-in schema.

The file may be CUE or JSON. It is unified with the schema defaults and
every problem is reported with its position. Without an argument the
--config file is validated.

Examples:
  dawsync validate dawsync.cue
  dawsync validate --config dawsync.json --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if path == "" {
		_ = formatter.Error(ErrCodeConfig, "no config file given", nil)
		return NewExitError(ExitCommandError, "no config file given")
	}

	src, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, fmt.Sprintf("cannot read %s", path), err.Error())
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	formatter.VerboseLog("Validating %s (%d bytes)", path, len(src))

	cfg, err := config.Parse(path, src)
	if err != nil {
		var cfgErr *config.Error
		if !errors.As(err, &cfgErr) {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to parse config", err)
		}
		return outputValidationIssues(formatter, toValidationIssues(cfgErr))
	}

	if formatter.IsJSON() {
		return formatter.Success(ValidationResult{Valid: true, Config: cfg})
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d meter(s), refresh %dms)\n",
		path, len(cfg.Sim.Meters), cfg.RefreshIntervalMS)
	return nil
}

func toValidationIssues(cfgErr *config.Error) []ValidationIssue {
	issues := make([]ValidationIssue, len(cfgErr.Issues))
	for i, is := range cfgErr.Issues {
		issues[i] = ValidationIssue{Message: is.Message}
		if is.Pos.IsValid() {
			issues[i].File = is.Pos.Filename()
			issues[i].Line = is.Pos.Line()
			issues[i].Column = is.Pos.Column()
		}
	}
	return issues
}

func outputValidationIssues(formatter *OutputFormatter, issues []ValidationIssue) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))

	if formatter.IsJSON() {
		err := formatter.Failure(ValidationResult{Valid: false, Issues: issues}, ErrCodeConfigInvalid, issues[0].Message)
		if err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, is := range issues {
		if is.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d:%d\n", is.Line, is.Column)
		}
		fmt.Fprintf(formatter.Writer, "  %s\n\n", is.Message)
	}
	return exitErr
}
