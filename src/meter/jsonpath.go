package meter

import (
	"encoding/json"
	"strconv"
	"strings"

	"example.com/meter-logger/src/errs"
)

// translatePath turns a path such as $.switch:0.aenergy.by_minute[-1] into the jq query
// .["switch:0"]["aenergy"]["by_minute"][-1]. name is the last object key of the path.
func translatePath(path string) (query string, name string, err error) {
	rest := strings.TrimPrefix(path, "$")
	var b strings.Builder
	b.WriteString(".")

	for rest != "" {
		switch rest[0] {
		case '.':
			end := strings.IndexAny(rest[1:], ".[")
			key := rest[1:]
			if end >= 0 {
				key = rest[1 : end+1]
			}
			if key == "" {
				return "", "", errs.New(errs.Configuration, "meter.translatePath", "%s: empty key after '.'", path)
			}
			quoted, _ := json.Marshal(key)
			b.WriteString("[")
			b.Write(quoted)
			b.WriteString("]")
			name = key
			rest = rest[1+len(key):]

		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", "", errs.New(errs.Configuration, "meter.translatePath", "%s: missing closing ']'", path)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil {
				return "", "", errs.New(errs.Configuration, "meter.translatePath", "%s: invalid index %q", path, rest[1:end])
			}
			b.WriteString("[")
			b.WriteString(strconv.Itoa(idx))
			b.WriteString("]")
			rest = rest[end+1:]

		default:
			return "", "", errs.New(errs.Configuration, "meter.translatePath", "%s: one of '$.[' expected at %q", path, rest)
		}
	}
	return b.String(), name, nil
}
