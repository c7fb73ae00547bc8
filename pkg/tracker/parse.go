package tracker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseINI parses a two-level `[section]` / `key=value` file into a
// section→key→value mapping. Keys appearing before any section header are
// collected under the empty-string default section. Blank lines and lines
// starting with ';' or '#' are comments.
func ParseINI(data []byte) (map[string]map[string]string, error) {
	result := map[string]map[string]string{"": {}}
	section := ""

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := result[section]; !ok {
				result[section] = map[string]string{}
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", lineNumber, line)
		}
		result[section][strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Drop the synthetic default section if nothing used it, so an all-
	// sectioned file diffs cleanly against another all-sectioned file.
	if len(result[""]) == 0 {
		delete(result, "")
	}
	return result, nil
}

// ParseJSON parses a top-level JSON object into a string-keyed mapping.
func ParseJSON(data []byte) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ParseGeneric splits data into its constituent lines, used by the
// line-based Myers diff.
func ParseGeneric(data []byte) ([]string, error) {
	text := string(data)
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// Parse dispatches to the parser named by format.
func Parse(format Format, data []byte) (interface{}, error) {
	switch format {
	case FormatINI:
		return ParseINI(data)
	case FormatJSON:
		return ParseJSON(data)
	case FormatGeneric:
		return ParseGeneric(data)
	default:
		return nil, fmt.Errorf("unknown tracker format %v", format)
	}
}
