package cli

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult summarizes a compiled pack.
type CompilationResult struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	PackHash      string         `json:"pack_hash"`
	RegistryHash  string         `json:"registry_hash"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Deterministic bool           `json:"deterministic"`
	Graphs        []GraphSummary `json:"graphs"`
	Output        string         `json:"output,omitempty"`
}

// GraphSummary counts the nodes and edges of one graph.
type GraphSummary struct {
	Name  string         `json:"name"`
	Start string         `json:"start"`
	Nodes map[string]int `json:"nodes"` // per kind
	Edges int            `json:"edges"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <pack>",
		Short: "Compile a pack and print its hashes",
		Long: `Compile a pack (.yaml, .json, .cue or a CUE package directory) into an
execution graph.

The pack is checked against the pack schema, validated (acyclic, one start
node, resolvable subgraphs, valid predicates) and hashed. With --output the
canonical JSON of the pack, the exact bytes its hash covers, is written to
a file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write canonical pack JSON to this file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cg, err := compilePack(path)
	if err != nil {
		return outputProblems(formatter, "Compilation failed", problemsOf(err))
	}
	formatter.VerboseLog("Compiled %s@%s (%s)", cg.Pack.Name, cg.Pack.Version, cg.PackHash)

	result := summarizeGraph(cg)
	if opts.Output != "" {
		data, err := ir.MarshalCanonical(cg.Pack)
		if err != nil {
			return formatter.Fail(ExitCommandError, "encoding pack", err)
		}
		if err := os.WriteFile(opts.Output, append(data, '\n'), 0o644); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "writing output file", err)
		}
		result.Output = opts.Output
	}

	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %s@%s\n\n", result.Name, result.Version)
		fmt.Fprintf(w, "  pack hash:     %s\n", result.PackHash)
		fmt.Fprintf(w, "  registry hash: %s\n", result.RegistryHash)
		if result.PolicyVersion != "" {
			fmt.Fprintf(w, "  policy:        %s\n", result.PolicyVersion)
		}
		fmt.Fprintln(w)
		for _, g := range result.Graphs {
			name := g.Name
			if name == "" {
				name = "(main)"
			}
			total := 0
			for _, n := range g.Nodes {
				total += n
			}
			fmt.Fprintf(w, "  %s: %d node(s), %d edge(s), start %s\n", name, total, g.Edges, g.Start)
		}
		if result.Output != "" {
			fmt.Fprintf(w, "\nWrote canonical pack to %s\n", result.Output)
		}
	})
}

func summarizeGraph(cg *compiler.CompiledGraph) CompilationResult {
	result := CompilationResult{
		Name:          cg.Pack.Name,
		Version:       cg.Pack.Version,
		PackHash:      cg.PackHash,
		RegistryHash:  cg.RegistryHash,
		PolicyVersion: cg.Pack.PolicyVersion,
		Deterministic: cg.Pack.Deterministic,
	}
	add := func(name string, g ir.Graph) {
		s := GraphSummary{Name: name, Start: g.Start, Nodes: map[string]int{}, Edges: len(g.Edges)}
		for _, n := range g.Nodes {
			s.Nodes[string(n.Kind)]++
		}
		result.Graphs = append(result.Graphs, s)
	}
	add("", cg.Pack.Graph)
	for _, name := range slices.Sorted(maps.Keys(cg.Pack.Subgraphs)) {
		add(name, cg.Pack.Subgraphs[name])
	}
	return result
}

// outputProblems reports load, schema or validation problems. They are
// command errors (exit code 2).
func outputProblems(formatter *OutputFormatter, title string, problems []Problem) error {
	if formatter.Format == "json" {
		if err := formatter.JSON(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: problems[0].Code, Message: problems[0].Message},
			Data:   problems,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s\n\n", title)
		for _, p := range problems {
			if p.Pos != "" {
				fmt.Fprintln(formatter.Writer, p.Pos)
			}
			if p.Field != "" {
				fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", p.Code, p.Field, p.Message)
			} else {
				fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Code, p.Message)
			}
		}
	}
	return NewExitError(ExitCommandError, fmt.Sprintf("%s with %d error(s)", title, len(problems)))
}
