package listctl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/orm"
)

// Render writes the list as a table. The first column is the record's data
// point id, which the other commands take as arguments.
func Render(w io.Writer, list *datalist.DynamicList, columns []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := append([]string{"ID", "RES_ID"}, upper(columns)...)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	if list.IsGrouped() {
		for _, group := range list.Groups() {
			marker := "v"
			if group.Folded() {
				marker = ">"
			}
			fmt.Fprintf(tw, "%s %s (%d)\t[%s]\n", marker, group.DisplayName(), group.Count(), group.ID())
			for _, rec := range group.Records() {
				writeRow(tw, rec, columns)
			}
		}
	} else {
		for _, rec := range list.Records() {
			writeRow(tw, rec, columns)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	selected := ""
	if list.IsDomainSelected() {
		selected = ", whole domain selected"
	}
	_, err := fmt.Fprintf(w, "%d record(s), offset %d, limit %d%s\n", list.Count(), list.Offset(), list.Limit(), selected)
	return err
}

func writeRow(w io.Writer, rec *datalist.Record, columns []string) {
	cells := make([]string, 0, len(columns)+2)
	id := rec.ID()
	if rec.Selected() {
		id = "*" + id
	}
	if rec.IsInEdition() {
		id += " (edit)"
	}
	cells = append(cells, id, strconv.FormatInt(rec.ResID(), 10))
	for _, column := range columns {
		cells = append(cells, FormatValue(rec.FieldValue(column)))
	}
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}

// FormatValue renders a server value for display: many2one pairs show their
// name and unset values (nil or false) are blank.
func FormatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case bool:
		if !typed {
			return ""
		}
		return "yes"
	case []any:
		if len(typed) == 2 {
			if _, ok := orm.AsInt64(typed[0]); ok {
				return fmt.Sprint(typed[1])
			}
		}
		parts := make([]string, len(typed))
		for i, item := range typed {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ",")
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func upper(values []string) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = strings.ToUpper(value)
	}
	return out
}
