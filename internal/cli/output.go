package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/example/table-sync/internal/types"
)

type updateLine struct {
	Table     types.TableName   `json:"table"`
	Changes   types.ChangeSet   `json:"changes"`
	Deletions types.DeletionSet `json:"deletions"`
}

func writeUpdate(w io.Writer, format string, line updateLine) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(line)
	}
	changes, err := json.Marshal(line.Changes)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s changes=%s deletions=%v\n", line.Table, changes, []string(line.Deletions))
	return err
}

func writeTable(w io.Writer, format string, name types.TableName, table types.Table, ok bool) error {
	if format == "json" {
		var contents any
		if ok {
			contents = table
		}
		return json.NewEncoder(w).Encode(map[string]any{"table": name, "contents": contents})
	}
	if !ok {
		_, err := fmt.Fprintf(w, "%s: no such table\n", name)
		return err
	}
	for _, key := range table.Keys() {
		value, err := json.Marshal(table[key])
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}
