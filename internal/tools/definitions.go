// internal/tools/definitions.go
package tools

import "sort"

// Tool names.
const (
	ListFiles = "list_files"
	ReadFile  = "read_file"
	WriteFile = "write_file"
	Grep      = "grep"
	RunTests  = "run_tests"
)

// Arg describes one tool argument.
type Arg struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Definition describes one tool. DriverOnly tools are advertised in the prompt
// but can never be invoked by the model.
type Definition struct {
	Name        string
	Description string
	Args        []Arg
	DriverOnly  bool
}

// Definitions is the fixed tool surface, in prompt order.
var Definitions = []Definition{
	{
		Name:        ListFiles,
		Description: "List files under a repo-relative directory.",
		Args: []Arg{
			{Name: "rel_dir", Type: "string", Description: "Directory path relative to repo root.", Required: true},
			{Name: "max_files", Type: "integer", Description: "Max files to list before truncating.", Required: true},
		},
	},
	{
		Name:        ReadFile,
		Description: "Read a text file under the repo (repo-relative path).",
		Args: []Arg{
			{Name: "rel_path", Type: "string", Description: "Path to the file to read.", Required: true},
			{Name: "max_chars", Type: "integer", Description: "Max characters to return.", Required: true},
		},
	},
	{
		Name:        WriteFile,
		Description: "Write/replace a file under the repo (repo-relative path).",
		Args: []Arg{
			{Name: "rel_path", Type: "string", Description: "Path to write (relative to repo root).", Required: true},
			{Name: "content", Type: "string", Description: "Full file contents to write.", Required: true},
		},
	},
	{
		Name:        Grep,
		Description: "Search for a pattern in files under a repo-relative directory.",
		Args: []Arg{
			{Name: "pattern", Type: "string", Description: "Literal substring to search for.", Required: true},
			{Name: "rel_dir", Type: "string", Description: "Directory to search under.", Required: true},
			{Name: "max_hits", Type: "integer", Description: "Max matches to return before truncating.", Required: true},
		},
	},
	{
		Name:        RunTests,
		Description: "Not callable by model. Driver-only.",
		DriverOnly:  true,
	},
}

var byName = func() map[string]Definition {
	m := make(map[string]Definition, len(Definitions))
	for _, d := range Definitions {
		m[d.Name] = d
	}
	return m
}()

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	d, ok := byName[name]
	return d, ok
}

// IsModelTool reports whether the model may invoke name.
func IsModelTool(name string) bool {
	d, ok := byName[name]
	return ok && !d.DriverOnly
}

// ModelToolNames returns the model-callable tool names, sorted.
func ModelToolNames() []string {
	var names []string
	for _, d := range Definitions {
		if !d.DriverOnly {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

// RequiredArgs lists the required argument names of a tool.
func (d Definition) RequiredArgs() []string {
	var out []string
	for _, a := range d.Args {
		if a.Required {
			out = append(out, a.Name)
		}
	}
	return out
}

// PromptTool is one entry of the tool list shown to the model.
type PromptTool struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args"`
}

// PromptSpec is the compact tool list embedded in the system prompt.
func PromptSpec() []PromptTool {
	spec := make([]PromptTool, 0, len(Definitions))
	for _, d := range Definitions {
		args := map[string]string{}
		if d.DriverOnly {
			args["note"] = d.Description
		} else {
			for _, a := range d.Args {
				t := a.Type
				if t == "integer" {
					t = "int"
				}
				args[a.Name] = t
			}
		}
		spec = append(spec, PromptTool{Name: d.Name, Args: args})
	}
	return spec
}
