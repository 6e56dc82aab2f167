package export

import "strings"

// SQLMarkerPrefix opens the legacy endpoint marker appended to SQL command
// text: "\n/*XRAY <label> */".
const SQLMarkerPrefix = "\n/*XRAY"

// AppendSQLMarker appends the legacy endpoint marker for label to command.
func AppendSQLMarker(command, label string) string {
	if strings.TrimSpace(label) == "" {
		return command
	}
	return command + SQLMarkerPrefix + " " + label + " */"
}

// SplitSQLMarker separates command text from a trailing endpoint marker.
// Without a marker the full command is returned and ok is false.
func SplitSQLMarker(command string) (query, label string, ok bool) {
	idx := strings.Index(command, SQLMarkerPrefix)
	if idx < 0 {
		return command, "", false
	}
	query = command[:idx]
	rest := command[idx+len(SQLMarkerPrefix):]
	if end := strings.LastIndex(rest, "*/"); end >= 0 {
		rest = rest[:end]
	}
	return query, strings.TrimSpace(rest), true
}
