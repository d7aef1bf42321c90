package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/spf13/cobra"

	"pkt.systems/dblive/client"
	"pkt.systems/dblive/internal/jsonpointer"
)

func newGetCommand(cfg *cliConfig) *cobra.Command {
	var bypassCache bool
	var versionID string
	var pointer string
	var output string
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			sess, err := cfg.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var opts []client.GetOption
			if bypassCache {
				opts = append(opts, client.WithBypassCache())
			}
			if versionID != "" {
				opts = append(opts, client.WithVersion(versionID))
			}
			v, ok := sess.cli.Get(ctx, args[0], opts...)
			if !ok {
				return fmt.Errorf("key %q has no value", args[0])
			}
			if pointer == "" {
				return writeValue(cmd.OutOrStdout(), mode, args[0], v)
			}
			var doc any
			if err := v.Unmarshal(&doc); err != nil {
				return err
			}
			sub, err := jsonpointer.Resolve(doc, pointer)
			if err != nil {
				return err
			}
			if mode == outputYAML {
				return writeYAML(cmd.OutOrStdout(), sub)
			}
			return writeJSON(cmd.OutOrStdout(), sub)
		},
	}
	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "read from the content domain even when cached")
	cmd.Flags().StringVar(&versionID, "version", "", "read a specific version of the value")
	cmd.Flags().StringVar(&pointer, "path", "", "print the JSON value at this RFC 6901 pointer")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}

func newSetCommand(cfg *cliConfig) *cobra.Command {
	var asJSON bool
	var file string
	var lockID string
	var customArgs map[string]string
	var output string
	cmd := &cobra.Command{
		Use:   "set KEY [VALUE]",
		Short: "Write the value of a key",
		Long:  "Write VALUE, the contents of --file, or stdin when --file is \"-\". With --json the value must be valid JSON and is stored as application/json.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args, file)
			if err != nil {
				return err
			}
			var value any = raw
			if asJSON {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("value is not valid JSON")
				}
				value = json.RawMessage(raw)
			}

			ctx := commandContext(cmd)
			sess, err := cfg.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var opts []client.SetOption
			if lockID != "" {
				opts = append(opts, client.WithLockID(lockID))
			}
			if len(customArgs) > 0 {
				m := make(map[string]any, len(customArgs))
				for k, v := range customArgs {
					m[k] = v
				}
				opts = append(opts, client.WithCustomArgs(m))
			}
			confirmed, err := sess.cli.Set(ctx, args[0], value, opts...)
			if err != nil {
				return err
			}
			if !confirmed {
				return fmt.Errorf("write to %q was not confirmed", args[0])
			}
			result := struct {
				Key       string `json:"key" yaml:"key"`
				Confirmed bool   `json:"confirmed" yaml:"confirmed"`
				Size      string `json:"size" yaml:"size"`
			}{Key: args[0], Confirmed: confirmed, Size: humanizeBytes(len(raw))}
			switch mode {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), result)
			case outputYAML:
				return writeYAML(cmd.OutOrStdout(), result)
			default:
				writeLine(cmd.OutOrStdout(), "confirmed key=%s size=%s", result.Key, result.Size)
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "store the value as JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file (\"-\" for stdin)")
	cmd.Flags().StringVar(&lockID, "lock-id", "", "write under a lock held elsewhere")
	cmd.Flags().StringToStringVar(&customArgs, "arg", nil, "custom argument forwarded to watchers (key=value, repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}

func readInput(cmd *cobra.Command, args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 1:
		return "", fmt.Errorf("VALUE and --file are mutually exclusive")
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case file != "":
		path, err := expandPath(file)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return string(data), nil
	case len(args) > 1:
		return args[1], nil
	default:
		return "", fmt.Errorf("missing VALUE (or --file)")
	}
}

func newWatchCommand(cfg *cliConfig) *cobra.Command {
	var diff bool
	var count int
	var colorFlag string
	cmd := &cobra.Command{
		Use:   "watch KEY...",
		Short: "Print the current value of keys and follow their changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			colored, err := useColor(colorFlag, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(commandContext(cmd))
			defer cancel()
			sess, err := cfg.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			renderer := newChangeRenderer(cmd.OutOrStdout(), diff, colored)
			changes := make(chan struct{}, 64)
			for _, key := range args {
				v, ok, l, err := sess.cli.GetAndListen(ctx, key, func(ch client.Change) {
					renderer.render(ch)
					select {
					case changes <- struct{}{}:
					default:
					}
				})
				if err != nil {
					return err
				}
				defer l.Close()
				renderer.render(client.Change{Key: key, Action: "current", Value: v, Present: ok})
			}
			sess.logger.Debug("cli.watch.started", "keys", len(args))

			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-changes:
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "show changes as an inline diff against the previous value")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many changes (0 runs until interrupted)")
	cmd.Flags().StringVar(&colorFlag, "color", string(colorAuto), "colorize output (auto|always|never)")
	return cmd
}

func newLockCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock KEY [-- COMMAND [ARGS...]]",
		Short: "Hold the lock of a key while a command runs, or until interrupted",
		Long:  "The command runs with DBLIVE_LOCK_KEY and DBLIVE_LOCK_ID in its environment so it can write under the lock with `dblive set --lock-id`.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			command := args[1:]
			ctx := commandContext(cmd)
			sess, err := cfg.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			lock, err := sess.cli.Lock(ctx, key, client.WithLockTimeout(sess.cfg.LockTimeout))
			if err != nil {
				return err
			}
			defer func() {
				if err := lock.Close(); err != nil {
					sess.logger.Warn("cli.lock.release_failed", "key", key, "error", err)
				}
			}()
			writeLine(cmd.OutOrStdout(), "locked key=%s lock_id=%s", key, lock.ID())

			if len(command) == 0 {
				<-ctx.Done()
				return nil
			}
			run := exec.CommandContext(ctx, command[0], command[1:]...)
			run.Env = append(os.Environ(), "DBLIVE_LOCK_KEY="+key, "DBLIVE_LOCK_ID="+lock.ID())
			run.Stdin = cmd.InOrStdin()
			run.Stdout = cmd.OutOrStdout()
			run.Stderr = cmd.ErrOrStderr()
			if err := run.Run(); err != nil {
				return fmt.Errorf("run %s: %w", command[0], err)
			}
			return nil
		},
	}
	return cmd
}

type patchMode string

const (
	patchMerge patchMode = "merge"
	patchJSON  patchMode = "json"
)

func newPatchCommand(cfg *cliConfig) *cobra.Command {
	var file string
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "patch KEY [PATCH]",
		Short: "Apply a JSON merge patch or RFC 6902 patch to a key under its lock",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := patchMode(strings.ToLower(strings.TrimSpace(modeFlag)))
			if mode != patchMerge && mode != patchJSON {
				return fmt.Errorf("unsupported patch mode %q (merge|json)", modeFlag)
			}
			patch, err := readInput(cmd, args, file)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(patch)) {
				return fmt.Errorf("patch is not valid JSON")
			}
			var ops jsonpatch.Patch
			if mode == patchJSON {
				if ops, err = jsonpatch.DecodePatch([]byte(patch)); err != nil {
					return fmt.Errorf("decode patch: %w", err)
				}
			}

			ctx := commandContext(cmd)
			sess, err := cfg.open(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var result []byte
			confirmed, err := sess.cli.LockAndSet(ctx, args[0], func(ctx context.Context, current client.Value, exists bool) (any, error) {
				doc := []byte(current.Raw)
				if !exists || len(doc) == 0 {
					if mode == patchJSON {
						return nil, fmt.Errorf("key %q has no value to patch", args[0])
					}
					doc = []byte("{}")
				}
				var err error
				if mode == patchJSON {
					result, err = ops.Apply(doc)
				} else {
					result, err = jsonpatch.MergePatch(doc, []byte(patch))
				}
				if err != nil {
					return nil, fmt.Errorf("apply patch: %w", err)
				}
				return json.RawMessage(result), nil
			})
			if err != nil {
				return err
			}
			if !confirmed {
				return errors.New("patched value was not confirmed")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the patch from a file (\"-\" for stdin)")
	cmd.Flags().StringVar(&modeFlag, "mode", string(patchMerge), "patch format (merge|json)")
	return cmd
}
