// Package exporter writes and reads the tabular files that pass data between
// the report pipeline and script engines.
//
// TSVWriter produces the tab-delimited input file a script reads through the
// ${input_data} token and ReadTSV parses TSV outputs back for rendering.
// ExcelWriter converts a TSV output to an xlsx workbook for download.
//
//	w := exporter.NewTSVWriter(logger)
//	err := w.WriteTable(path, []string{"x", "y"}, [][]string{{"1", "2"}})
package exporter
