package detect

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/projectlib/projectlib/internal/models"
)

// RunUserDetectors executes every *.lua script in dir against root. Each
// script defines a detect(root) function returning either nil or a table
// with command plus optional language/args/env/cwd/reason fields. Broken
// scripts are skipped with a log line; they never fail detection as a
// whole.
func RunUserDetectors(dir, root string, logger *slog.Logger) []models.RunSuggestion {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var suggestions []models.RunSuggestion
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, ok, err := runDetectorScript(path, root)
		if err != nil {
			logger.Warn("user detector failed", "script", entry.Name(), "error", err)
			continue
		}
		if ok {
			suggestions = pushUnique(suggestions, s)
		}
	}
	return suggestions
}

func runDetectorScript(path, root string) (models.RunSuggestion, bool, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return models.RunSuggestion{}, false, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	registerAPI(L, root)

	if err := L.DoString(string(script)); err != nil {
		return models.RunSuggestion{}, false, fmt.Errorf("failed to load script: %w", err)
	}

	detect := L.GetGlobal("detect")
	if detect == lua.LNil {
		return models.RunSuggestion{}, false, fmt.Errorf("script must define a 'detect' function")
	}

	L.Push(detect)
	L.Push(lua.LString(root))
	if err := L.PCall(1, 1, nil); err != nil {
		return models.RunSuggestion{}, false, fmt.Errorf("detect() failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		return models.RunSuggestion{}, false, nil
	}

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return models.RunSuggestion{}, false, fmt.Errorf("detect() must return a table or nil")
	}
	return suggestionFromTable(tbl, root)
}

// openSafeLibs loads only side-effect-free standard libraries, the same
// allowlist approach used for every embedded script in this codebase.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
}

// registerAPI exposes the minimal filesystem probes detector scripts
// need: exists(relpath) and read(relpath), both confined to root.
func registerAPI(L *lua.LState, root string) {
	L.SetGlobal("exists", L.NewFunction(func(L *lua.LState) int {
		rel := L.CheckString(1)
		path, ok := confine(root, rel)
		if !ok {
			L.Push(lua.LFalse)
			return 1
		}
		_, err := os.Stat(path)
		L.Push(lua.LBool(err == nil))
		return 1
	}))

	L.SetGlobal("read", L.NewFunction(func(L *lua.LState) int {
		rel := L.CheckString(1)
		path, ok := confine(root, rel)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		data, err := os.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(string(data)))
		return 1
	}))
}

// confine resolves rel under root and rejects escapes.
func confine(root, rel string) (string, bool) {
	path := filepath.Join(root, rel)
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

func suggestionFromTable(tbl *lua.LTable, root string) (models.RunSuggestion, bool, error) {
	s := models.RunSuggestion{
		Language: stringField(tbl, "language"),
		Command:  stringField(tbl, "command"),
		Cwd:      stringField(tbl, "cwd"),
		Reason:   stringField(tbl, "reason"),
	}
	if s.Command == "" {
		return models.RunSuggestion{}, false, fmt.Errorf("detect() result is missing 'command'")
	}
	if s.Cwd == "" {
		s.Cwd = root
	}
	if s.Reason == "" {
		s.Reason = "Matched user detector"
	}

	if args, ok := tbl.RawGetString("args").(*lua.LTable); ok {
		args.ForEach(func(_, v lua.LValue) {
			s.Args = append(s.Args, lua.LVAsString(v))
		})
	}
	if env, ok := tbl.RawGetString("env").(*lua.LTable); ok {
		s.Env = make(map[string]string)
		env.ForEach(func(k, v lua.LValue) {
			s.Env[lua.LVAsString(k)] = lua.LVAsString(v)
		})
	}
	return s, true, nil
}

func stringField(tbl *lua.LTable, key string) string {
	if v, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}
