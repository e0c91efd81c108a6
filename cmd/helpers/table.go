package helpers

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// PrintTable prints data in a formatted table similar to Vault CLI
// headers: column headers for the table (e.g., []string{"Key", "Value"})
// data: rows of data where each row is a slice of any type (e.g., [][]any{{"key1", "value1"}, {"key2", "value2"}})
func PrintTable(w io.Writer, headers []string, data [][]any) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cnf := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
	}

	symbols := tw.NewSymbolCustom("SecretBroker").
		WithRow(" ").
		WithColumn(" ").
		WithTopLeft("").
		WithTopMid(" ").
		WithTopRight(" ").
		WithMidLeft(" ").
		WithCenter(" ").
		WithMidRight(" ").
		WithBottomLeft(" ").
		WithBottomMid(" ").
		WithBottomRight(" ")

	rd := tw.Rendition{Symbols: symbols}
	rd.Settings.Lines.ShowHeaderLine = tw.Off

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(rd)),
		tablewriter.WithConfig(cnf),
	)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)
	table.Bulk(data)
	table.Render()
}

// PrintMapAsTable prints a map as a two-column "Key"/"Value" table sorted by
// key.
func PrintMapAsTable(w io.Writer, mapData map[string]any) {
	if len(mapData) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	keys := make([]string, 0, len(mapData))
	for k := range mapData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make([][]any, 0, len(keys))
	for _, k := range keys {
		data = append(data, []any{k, mapData[k]})
	}
	PrintTable(w, []string{"Key", "Value"}, data)
}
