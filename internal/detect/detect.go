package detect

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/projectlib/projectlib/internal/models"
)

// Detect inspects a project root and suggests ways to run it. Detectors
// are best-effort: unreadable or malformed build files just produce no
// suggestion.
func Detect(root string) ([]models.RunSuggestion, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %s", root)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path must point to a directory: %s", root)
	}

	var suggestions []models.RunSuggestion
	for _, detector := range []func(string) (models.RunSuggestion, bool){
		detectNode,
		detectPython,
		detectGradle,
		detectRust,
		detectGo,
		detectDotnet,
	} {
		if s, ok := detector(root); ok {
			suggestions = pushUnique(suggestions, s)
		}
	}
	// A project can plausibly carry both Makefile and CMake setups.
	for _, s := range detectCLike(root) {
		suggestions = pushUnique(suggestions, s)
	}

	return suggestions, nil
}

func detectNode(root string) (models.RunSuggestion, bool) {
	contents, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return models.RunSuggestion{}, false
	}

	var pkg struct {
		Scripts map[string]json.RawMessage `json:"scripts"`
	}
	if err := json.Unmarshal(contents, &pkg); err != nil {
		return models.RunSuggestion{}, false
	}

	for _, candidate := range []string{"dev", "start"} {
		if _, ok := pkg.Scripts[candidate]; ok {
			return models.RunSuggestion{
				Language: "node",
				Command:  "pnpm",
				Args:     []string{"run", candidate},
				Cwd:      root,
				Reason:   fmt.Sprintf("Detected package.json with `%s` script", candidate),
			}, true
		}
	}
	return models.RunSuggestion{}, false
}

func detectPython(root string) (models.RunSuggestion, bool) {
	hasPyproject := fileExists(filepath.Join(root, "pyproject.toml"))
	hasRequirements := fileExists(filepath.Join(root, "requirements.txt"))
	if !hasPyproject && !hasRequirements {
		return models.RunSuggestion{}, false
	}

	module := ""
	if hasPyproject {
		module = pyprojectModule(root)
	}
	if module == "" {
		module = strings.ReplaceAll(filepath.Base(root), "-", "_")
	}
	if module == "" {
		return models.RunSuggestion{}, false
	}

	usesUV := fileExists(filepath.Join(root, "uv.lock")) || fileExists(filepath.Join(root, "uv.toml"))

	suggestion := models.RunSuggestion{Language: "python", Cwd: root}
	if usesUV {
		suggestion.Command = "uv"
		suggestion.Args = []string{"run", "python", "-m", module}
		suggestion.Reason = "Detected pyproject with uv configuration"
	} else {
		suggestion.Command = "python"
		suggestion.Args = []string{"-m", module}
		if hasPyproject {
			suggestion.Reason = "Detected pyproject.toml"
		} else {
			suggestion.Reason = "Detected requirements.txt"
		}
	}
	return suggestion, true
}

// pyprojectModule derives the runnable module name from pyproject.toml:
// [project].name, then [tool.poetry].name, dashes mapped to underscores.
func pyprojectModule(root string) string {
	contents, err := os.ReadFile(filepath.Join(root, "pyproject.toml"))
	if err != nil {
		return ""
	}

	var pyproject struct {
		Project struct {
			Name string `toml:"name"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Name string `toml:"name"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(contents, &pyproject); err != nil {
		return ""
	}

	name := pyproject.Project.Name
	if name == "" {
		name = pyproject.Tool.Poetry.Name
	}
	return strings.ReplaceAll(name, "-", "_")
}

func detectGradle(root string) (models.RunSuggestion, bool) {
	if !fileExists(filepath.Join(root, "gradlew")) && !fileExists(filepath.Join(root, "gradlew.bat")) {
		return models.RunSuggestion{}, false
	}
	return models.RunSuggestion{
		Language: "java",
		Command:  "./gradlew",
		Args:     []string{"run"},
		Cwd:      root,
		Reason:   "Detected Gradle wrapper",
	}, true
}

func detectRust(root string) (models.RunSuggestion, bool) {
	if !fileExists(filepath.Join(root, "Cargo.toml")) {
		return models.RunSuggestion{}, false
	}
	return models.RunSuggestion{
		Language: "rust",
		Command:  "cargo",
		Args:     []string{"run"},
		Cwd:      root,
		Reason:   "Detected Cargo.toml",
	}, true
}

func detectGo(root string) (models.RunSuggestion, bool) {
	if !fileExists(filepath.Join(root, "go.mod")) {
		return models.RunSuggestion{}, false
	}
	return models.RunSuggestion{
		Language: "go",
		Command:  "go",
		Args:     []string{"run", "."},
		Cwd:      root,
		Reason:   "Detected go.mod",
	}, true
}

const csprojMaxDepth = 3

func detectDotnet(root string) (models.RunSuggestion, bool) {
	var csprojDir string

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			// Directories at the depth limit are skipped whole, so any
			// .csproj reached sits at most csprojMaxDepth components deep.
			if rel != "." && strings.Count(rel, string(filepath.Separator))+1 >= csprojMaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".csproj") {
			csprojDir = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})

	if csprojDir == "" {
		return models.RunSuggestion{}, false
	}
	return models.RunSuggestion{
		Language: ".net",
		Command:  "dotnet",
		Args:     []string{"run"},
		Cwd:      csprojDir,
		Reason:   "Detected .csproj file",
	}, true
}

func detectCLike(root string) []models.RunSuggestion {
	var out []models.RunSuggestion
	if fileExists(filepath.Join(root, "Makefile")) {
		out = append(out, models.RunSuggestion{
			Language: "c",
			Command:  "make",
			Cwd:      root,
			Reason:   "Detected Makefile",
		})
	}
	if fileExists(filepath.Join(root, "CMakeLists.txt")) {
		out = append(out, models.RunSuggestion{
			Language: "c",
			Command:  "cmake",
			Args:     []string{"--build", "build"},
			Cwd:      root,
			Reason:   "Detected CMakeLists.txt",
		})
	}
	return out
}

func pushUnique(suggestions []models.RunSuggestion, s models.RunSuggestion) []models.RunSuggestion {
	for _, existing := range suggestions {
		if existing.Command == s.Command && equalArgs(existing.Args, s.Args) {
			return suggestions
		}
	}
	return append(suggestions, s)
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
