// Package powershell builds PowerShell invocations for remote execution and
// parses ConvertTo-Json output.
package powershell

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/tidwall/gjson"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

// Quote returns s as a single-quoted PowerShell string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Encode returns the -EncodedCommand form of script: base64 of its UTF-16LE
// bytes. It survives both cmd.exe and POSIX login shells untouched.
func Encode(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Command returns the shell command running script with the given executable
// ("pwsh" or "powershell").
func Command(exe, script string) string {
	return fmt.Sprintf("%s -NoProfile -NonInteractive -EncodedCommand %s", exe, Encode(script))
}

// Script joins statements, stopping on the first error and emitting
// compressed JSON.
type Script struct {
	lines []string
}

// NewScript starts a script with strict error handling.
func NewScript() *Script {
	return &Script{lines: []string{
		"$ErrorActionPreference = 'Stop'",
		"$ProgressPreference = 'SilentlyContinue'",
	}}
}

// Add appends a statement built with fmt.Sprintf.
func (s *Script) Add(format string, args ...interface{}) *Script {
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
	return s
}

// JSON appends a pipeline whose objects are emitted as compressed JSON,
// always as an array.
func (s *Script) JSON(pipeline string) *Script {
	s.lines = append(s.lines, fmt.Sprintf("ConvertTo-Json -Compress -Depth 4 -InputObject @(%s)", pipeline))
	return s
}

// String returns the script text.
func (s *Script) String() string {
	return strings.Join(s.lines, "; ")
}

// ParseList parses ConvertTo-Json output into one gjson.Result per object.
// PowerCLI prints banners and warnings (CEIP notices, certificate warnings)
// around the JSON, so the first complete JSON array or object in out is
// used. PowerShell emits a bare object for single results and nothing for
// empty pipelines; both are normalized. Output with no JSON in it is a
// ParseError.
func ParseList(out string) ([]gjson.Result, error) {
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	span, ok := jsonSpan(out)
	if !ok {
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: fmt.Sprintf("unparseable PowerShell output: %s", truncate(strings.TrimSpace(out), 200))}
	}
	r := gjson.Parse(span)
	if r.IsArray() {
		return r.Array(), nil
	}
	return []gjson.Result{r}, nil
}

// jsonSpan returns the first substring of out that starts with '[' or '{'
// and is valid JSON up to its matching close bracket.
func jsonSpan(out string) (string, bool) {
	for start := 0; start < len(out); start++ {
		if out[start] != '[' && out[start] != '{' {
			continue
		}
		end, ok := matchingClose(out, start)
		if !ok {
			continue
		}
		if span := out[start : end+1]; gjson.Valid(span) {
			return span, true
		}
	}
	return "", false
}

// matchingClose finds the bracket closing the one at out[start], skipping
// brackets inside JSON strings.
func matchingClose(out string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(out); i++ {
		c := out[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '[' || c == '{':
			depth++
		case c == ']' || c == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// StateCode returns the numeric value of an enum that ConvertTo-Json may
// render either as a number or as {"value": n}. ok is false when the field
// is missing or not numeric.
func StateCode(r gjson.Result, field string) (int64, bool) {
	v := r.Get(field)
	if v.IsObject() {
		v = v.Get("value")
	}
	if v.Type != gjson.Number {
		return 0, false
	}
	return v.Int(), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
