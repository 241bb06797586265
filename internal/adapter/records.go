package adapter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

// fieldMode strips access annotations such as "( RO)" or "(MRW)" from xe keys.
var fieldMode = regexp.MustCompile(`\s*\(\s*[A-Z]{2,3}\)\s*$`)

// ParseRecords parses blank-line separated blocks of "key: value" lines, the
// text format shared by xe and ovirt-shell. Keys are lower-cased; values are
// trimmed. Output with content but no key/value line is a ParseError.
func ParseRecords(out string) ([]map[string]string, error) {
	var (
		records []map[string]string
		current map[string]string
		content bool
	)

	flush := func() {
		if len(current) > 0 {
			records = append(records, current)
		}
		current = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		content = true

		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(fieldMode.ReplaceAllString(line[:idx], "")))
		if key == "" {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])

		if current == nil {
			current = make(map[string]string)
		} else if _, dup := current[key]; dup {
			// A repeated key starts the next record when blocks are not blank separated.
			flush()
			current = make(map[string]string)
		}
		current[key] = value
	}
	flush()

	if content && len(records) == 0 {
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: fmt.Sprintf("no records in output: %s", firstLine(out))}
	}
	return records, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
