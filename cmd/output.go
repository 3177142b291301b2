package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"firestige.xyz/ostrace/internal/codec"
)

// writeValue renders v as json, yaml or an XML plist.
func writeValue(out io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(printable(v))
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(printable(v)); err != nil {
			return err
		}
		return enc.Close()
	case "xml", "plist":
		data, err := codec.Encode(v, codec.XML)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// printable rewrites plist data blobs as hex so they survive json and yaml.
func printable(v any) any {
	switch t := v.(type) {
	case []byte:
		return hex.EncodeToString(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = printable(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = printable(e)
		}
		return s
	default:
		return v
	}
}
