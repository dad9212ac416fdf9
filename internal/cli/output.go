package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// output writes data as indented JSON in json format, or calls text otherwise.
func output(w io.Writer, format string, data interface{}, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(w)
	return nil
}

func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
