package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"topicsub/internal/envelope"
	"topicsub/internal/logger"
)

// keySpecs collects repeated -key name=attr:val,attr:val flags.
type keySpecs []string

func (k *keySpecs) String() string { return strings.Join(*k, " ") }

func (k *keySpecs) Set(v string) error {
	*k = append(*k, v)
	return nil
}

func main() {
	dir := flag.String("dir", "keys", "Directory the keys are written to")
	var keys keySpecs
	flag.Var(&keys, "key", "Attribute key to issue, as name=attr:value,attr:value (repeatable)")
	flag.Parse()

	lg, flush, err := logger.New("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()
	lg = lg.Named("authority")

	if err := issue(*dir, keys); err != nil {
		lg.Error("Key generation failed", zap.Error(err))
		flush()
		os.Exit(1)
	}
	lg.Info("All keys written", zap.String("dir", *dir), zap.Int("attribute_keys", len(keys)))
}

// issue writes public.key plus one <name>.key per spec into dir.
func issue(dir string, specs []string) error {
	authority, err := envelope.NewAuthority()
	if err != nil {
		return err
	}

	publicKey, err := authority.PublicKey()
	if err != nil {
		return err
	}
	if err := writeKey(dir, "public", publicKey); err != nil {
		return err
	}

	for _, spec := range specs {
		name, attrList, ok := strings.Cut(spec, "=")
		if !ok || name == "" {
			return fmt.Errorf("malformed key spec %q, want name=attr:value,...", spec)
		}
		attrs, err := envelope.ParseAttributes(attrList)
		if err != nil {
			return fmt.Errorf("key %s: %w", name, err)
		}
		key, err := authority.IssueKey(attrs)
		if err != nil {
			return fmt.Errorf("key %s: %w", name, err)
		}
		if err := writeKey(dir, name, key); err != nil {
			return err
		}
	}
	return nil
}

func writeKey(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name+".key")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
