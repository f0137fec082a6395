package ts3

import (
	"strings"
)

// Escape table for the server query protocol. The backslash entry must
// stay first: escaping applies the table top to bottom, unescaping
// bottom to top.
var escapeTable = []struct {
	raw     string
	escaped string
}{
	{"\\", `\\`},
	{"/", `\/`},
	{" ", `\s`},
	{"|", `\p`},
	{"\a", `\a`},
	{"\b", `\b`},
	{"\f", `\f`},
	{"\n", `\n`},
	{"\r", `\r`},
	{"\t", `\t`},
	{"\v", `\v`},
}

// Escape replaces characters that are special in the query protocol
// with their escape sequences.
func Escape(raw string) string {
	for _, e := range escapeTable {
		raw = strings.ReplaceAll(raw, e.raw, e.escaped)
	}
	return raw
}

// Unescape reverses Escape.
func Unescape(raw string) string {
	for i := len(escapeTable) - 1; i >= 0; i-- {
		raw = strings.ReplaceAll(raw, escapeTable[i].escaped, escapeTable[i].raw)
	}
	return raw
}

// Param is a single key=value argument of a query command. Values are
// escaped when the command is built.
type Param struct {
	Key   string
	Value string
}

// ParseLine parses a single response item into key/value pairs. Keys
// without a value (option flags) map to the empty string.
func ParseLine(line string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(line, " ") {
		if key, value, found := strings.Cut(part, "="); found {
			result[key] = Unescape(value)
		} else if part != "" {
			result[part] = ""
		}
	}
	return result
}

// ParseList parses a response containing multiple pipe-separated items.
func ParseList(response string) []map[string]string {
	var items []map[string]string
	for _, item := range strings.Split(response, "|") {
		if item == "" {
			continue
		}
		items = append(items, ParseLine(item))
	}
	return items
}

// BuildCommand assembles a wire-ready query command. Flags are sent as
// "-flag", params as "key=value" with the value escaped.
func BuildCommand(command string, flags []string, params ...Param) []byte {
	var b strings.Builder
	b.WriteString(command)
	for _, flag := range flags {
		b.WriteString(" -")
		b.WriteString(flag)
	}
	for _, p := range params {
		b.WriteString(" ")
		b.WriteString(p.Key)
		b.WriteString("=")
		b.WriteString(Escape(p.Value))
	}
	b.WriteString("\n\r")
	return []byte(b.String())
}
