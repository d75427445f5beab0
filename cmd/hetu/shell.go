package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/hetu-io/hetu/internal/admission"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/system"
	"github.com/hetu-io/hetu/pkg/config"
	"github.com/hetu-io/hetu/pkg/logger"
)

// runShell opens a goja-embedded diagnostic REPL against a live in-process
// backend: call(name, args) invokes a System, query(component, index,
// left, right, limit) runs a read-only range query. Grounded on the
// teacher's system/tee gojaScriptEngine (fresh goja.New() VM per
// session, injected console, goja.AssertFunction result export).
func runShell(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config overlay")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hetu shell: load config: %v\n", err)
		return exitConfigError
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	reg := demoRegistry()
	backend, closeBackend, err := openBackend(ctx, cfg, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hetu shell: open backend: %v\n", err)
		return exitBackendError
	}
	defer closeBackend()

	issuer := admission.NewIssuer([]byte(cfg.JWTSecret), 0)
	executor := system.NewExecutor(system.Config{
		Backend:  backend,
		Registry: demoSystems(issuer),
		Logger:   log,
	})

	vm := goja.New()
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		fmt.Println(strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	_ = vm.Set("call", func(name string, jsArgs map[string]any) any {
		result, err := executor.Call(ctx, name, jsArgs, schema.Owner)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return result
	})

	_ = vm.Set("query", func(component, index string, left, right any, limit int) any {
		tx, err := backend.Begin(ctx, schema.Owner)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		defer tx.Rollback()
		rows, err := tx.Query(component, store.Range{Index: index, Left: left, Right: right, Limit: limit})
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		c, _ := reg.Lookup(component)
		out := make([]map[string]any, len(rows))
		for i, r := range rows {
			out[i] = r.Typed(c)
		}
		return out
	})

	// path extracts one field from a call()/query() result by JSONPath,
	// the way the teacher's requests/marble dispatcher pulls a field out
	// of an HTTP response body before handing it to a System.
	_ = vm.Set("path", func(v any, jsonPath string) any {
		encoded, err := json.Marshal(v)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return gjson.GetBytes(encoded, jsonPath).Value()
	})

	fmt.Println("hetu shell: call(name, args), query(component, index, left, right, limit), path(value, jsonPath). Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			v, err := vm.RunString(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			} else {
				printValue(v)
			}
		}
		fmt.Print("> ")
	}
	fmt.Println()
	return exitOK
}

func printValue(v goja.Value) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	exported := v.Export()
	encoded, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		fmt.Println(exported)
		return
	}
	fmt.Println(string(encoded))
}
