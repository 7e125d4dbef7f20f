// Command qcode is a locally-hosted AI coding assistant: a one-shot CLI
// that turns a natural-language query into a bounded sequence of sandboxed
// tool calls against the working directory, mediated by a local
// Ollama-shaped LLM server.
package main

import (
	"fmt"
	"os"
	"runtime/debug"
)

var version = "dev"

func resolvedVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
