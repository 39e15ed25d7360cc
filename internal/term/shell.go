package term

import (
	"os"
	"os/exec"
	"runtime"
)

// Shell describes how to launch the platform default shell.
type Shell struct {
	Program string
	Args    []string
}

// DefaultShell resolves the platform default shell. macOS launches through
// /usr/bin/env so the user's login shell picks up its own environment;
// Windows prefers PowerShell Core and falls back to cmd.exe.
func DefaultShell() Shell {
	return defaultShell(runtime.GOOS, os.Getenv("SHELL"))
}

func defaultShell(goos, shellEnv string) Shell {
	switch goos {
	case "darwin":
		if shellEnv == "" {
			shellEnv = "/bin/zsh"
		}
		return Shell{Program: "/usr/bin/env", Args: []string{shellEnv}}

	case "windows":
		if path, err := exec.LookPath("pwsh.exe"); err == nil {
			return Shell{Program: path, Args: []string{"-NoLogo"}}
		}
		if path, err := exec.LookPath("pwsh"); err == nil {
			return Shell{Program: path, Args: []string{"-NoLogo"}}
		}
		path, err := exec.LookPath("cmd.exe")
		if err != nil {
			path = "cmd.exe"
		}
		return Shell{Program: path, Args: []string{"/K"}}

	default:
		if shellEnv == "" {
			shellEnv = "/bin/sh"
		}
		return Shell{Program: shellEnv}
	}
}
