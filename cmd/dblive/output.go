package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"pkt.systems/dblive/client"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
	outputYAML outputMode = "yaml"
)

func parseOutputMode(s string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON, outputYAML:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported output %q (text|json|yaml)", s)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func humanizeBytes(n int) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// valueRecord is the structured form of a key value.
type valueRecord struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	ContentType string `json:"content_type" yaml:"content_type"`
	ETag        string `json:"etag,omitempty" yaml:"etag,omitempty"`
	Size        string `json:"size" yaml:"size"`
}

func newValueRecord(key string, v client.Value) valueRecord {
	decoded, err := v.Decode()
	if err != nil {
		decoded = v.Raw
	}
	return valueRecord{
		Key:         key,
		Value:       decoded,
		ContentType: v.ContentType,
		ETag:        v.ETag,
		Size:        humanizeBytes(len(v.Raw)),
	}
}

func writeValue(out io.Writer, mode outputMode, key string, v client.Value) error {
	switch mode {
	case outputJSON:
		return writeJSON(out, newValueRecord(key, v))
	case outputYAML:
		return writeYAML(out, newValueRecord(key, v))
	default:
		_, err := fmt.Fprintln(out, v.Raw)
		return err
	}
}
