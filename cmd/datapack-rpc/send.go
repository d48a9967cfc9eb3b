package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"datapack-rpc/codec"
	"datapack-rpc/message"
)

// runSend drops one carrier into the watched root, the same way a datapack would.
func runSend(args []string) error {
	var (
		root       string
		carrierID  string
		envelopeID float64
		callback   string
		packFormat int
	)

	flagSet := pflag.NewFlagSet("datapack-rpc send", pflag.ContinueOnError)
	flagSet.StringVar(&root, "root", "world/datapacks", "carrier root directory")
	flagSet.StringVar(&carrierID, "id", "", "carrier directory name (default: random)")
	flagSet.Float64Var(&envelopeID, "envelope-id", 1, "envelope id")
	flagSet.StringVar(&callback, "callback", "", "function to call with the result (sum)")
	flagSet.IntVar(&packFormat, "pack-format", codec.DefaultPackFormat, "pack_format written to pack.mcmeta")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	envelope, err := buildEnvelope(flagSet.Args(), envelopeID, callback)
	if err != nil {
		return err
	}
	data, err := codec.Wrap(envelope, packFormat)
	if err != nil {
		return err
	}

	if carrierID == "" {
		carrierID = uuid.NewString()
	}
	dir, err := placeCarrier(root, carrierID, data)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, dir)
	return nil
}

func buildEnvelope(args []string, id float64, callback string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing method (ping, chat or sum)")
	}
	envelope := map[string]any{"id": id, "method": args[0]}

	switch message.Method(args[0]) {
	case message.MethodPing:
		if len(args) != 1 {
			return nil, fmt.Errorf("ping takes no arguments")
		}
	case message.MethodChat:
		if len(args) < 2 {
			return nil, fmt.Errorf("chat needs a message")
		}
		envelope["params"] = map[string]any{"message": strings.Join(args[1:], " ")}
	case message.MethodSum:
		if len(args) != 3 {
			return nil, fmt.Errorf("sum needs exactly two operands")
		}
		a, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("operand a: %w", err)
		}
		b, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return nil, fmt.Errorf("operand b: %w", err)
		}
		if callback == "" {
			return nil, fmt.Errorf("sum needs --callback")
		}
		envelope["params"] = map[string]any{"a": a, "b": b}
	default:
		return nil, fmt.Errorf("unknown method %q", args[0])
	}
	if callback != "" {
		envelope["callback"] = callback
	}
	return envelope, nil
}

// placeCarrier writes the marker in a staging directory next to root and renames it into
// place, so the watch loop never sees a half-written carrier.
func placeCarrier(root, id string, data []byte) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid carrier id %q", id)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(absRoot); err != nil {
		return "", err
	} else if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", absRoot)
	}

	staging, err := os.MkdirTemp(filepath.Dir(absRoot), ".datapack-rpc-send-*")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, "pack.mcmeta"), data, 0o644); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	dir := filepath.Join(absRoot, id)
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("place carrier: %w", err)
	}
	return dir, nil
}
