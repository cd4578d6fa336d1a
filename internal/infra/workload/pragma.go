package workload

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

// PresetsFile is looked up in the query directory to override or extend the
// built-in presets.
const PresetsFile = "pragma_presets.yaml"

// ErrUnknownPreset is returned for a preset name that is not defined.
var ErrUnknownPreset = errors.New("unknown pragma preset")

// builtinPresets are the pragma bundles shipped with the binary.
var builtinPresets = map[string][]string{
	"native-types": {
		"yt.UseNativeYtTypes=true",
		"yt.UseNativeDescSort=true",
	},
	"blocks": {
		"yt.JobBlockInput=true",
		"yt.JobBlockOutput=force",
		"BlockEngine=force",
	},
	"dq": {
		"dq.AnalyzeQuery=1",
		"dq.EnableDqReplicate=true",
	},
	"llvm-off": {
		"config.flags=LLVM_OFF",
	},
}

// presetsFile is the layout of pragma_presets.yaml:
//
//	presets:
//	  my-preset:
//	    - yt.Pool=bench
//	    - yt.MaxRowWeight=128M
type presetsFile struct {
	Presets map[string][]string `yaml:"presets"`
}

// LoadPresets returns the built-in presets merged with the presets file in
// dir, if any. File entries replace built-in presets of the same name.
func LoadPresets(dir string) (map[string][]string, error) {
	presets := make(map[string][]string, len(builtinPresets))
	for name, pragmas := range builtinPresets {
		presets[name] = pragmas
	}
	if dir == "" {
		return presets, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, PresetsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return presets, nil
		}
		return nil, fmt.Errorf("read %s: %w", PresetsFile, err)
	}

	var f presetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PresetsFile, err)
	}
	for name, pragmas := range f.Presets {
		presets[name] = pragmas
	}
	return presets, nil
}

// PresetNames returns the sorted names of the available presets.
func PresetNames(presets map[string][]string) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPragmas renders the pragmas of sel in the order presets, pragma file,
// pragma_add.
func LoadPragmas(sel workload.Selection) ([]string, error) {
	var out []string

	if len(sel.PragmaPreset) > 0 {
		dir := ""
		if sel.Source == workload.SourceFiles {
			dir = sel.QueryPath
		}
		presets, err := LoadPresets(dir)
		if err != nil {
			return nil, err
		}
		for _, name := range sel.PragmaPreset {
			entries, ok := presets[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q (available: %s)",
					ErrUnknownPreset, name, strings.Join(PresetNames(presets), ", "))
			}
			stmts, err := renderPragmas(entries)
			if err != nil {
				return nil, fmt.Errorf("preset %s: %w", name, err)
			}
			out = append(out, stmts...)
		}
	}

	if sel.PragmaFile != "" {
		lines, err := readPragmaFile(sel.PragmaFile)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}

	stmts, err := renderPragmas(sel.PragmaAdd)
	if err != nil {
		return nil, err
	}
	return append(out, stmts...), nil
}

func renderPragmas(entries []string) ([]string, error) {
	stmts := make([]string, 0, len(entries))
	for _, entry := range entries {
		p, err := workload.ParsePragma(entry)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, p.Statement())
	}
	return stmts, nil
}

// readPragmaFile returns the non-empty, non-comment lines of path verbatim.
func readPragmaFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pragma file: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan pragma file: %w", err)
	}
	return lines, nil
}
