package exporter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteAndReadTSV(t *testing.T) {
	w := NewTSVWriter(nil)
	path := filepath.Join(t.TempDir(), "nested", "input.tsv")

	headers := []string{"participant", "weight", "note"}
	records := [][]string{
		{"P1", "70.5", "plain"},
		{"P2", "81", "has\ttab"},
	}
	require.NoError(t, w.WriteTable(path, headers, records))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "participant\tweight\tnote\n")

	gotHeaders, gotRows, err := ReadTSV(path)
	require.NoError(t, err)
	assert.Equal(t, headers, gotHeaders)
	assert.Equal(t, records, gotRows)
}

func TestWriteTSVOptions(t *testing.T) {
	w := NewTSVWriter(nil)
	path := filepath.Join(t.TempDir(), "out.tsv")

	require.NoError(t, w.WriteTSV(path, WriteOptions{
		Headers:   []string{"a"},
		Records:   [][]string{{"1"}},
		BOMPrefix: true,
	}))
	require.NoError(t, w.WriteTSV(path, WriteOptions{
		Headers: []string{"ignored"},
		Records: [][]string{{"2"}},
		Append:  true,
	}))

	headers, rows, err := ReadTSV(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, headers, "BOM stripped on read")
	assert.Equal(t, [][]string{{"1"}, {"2"}}, rows)
}

func TestStreamWriter(t *testing.T) {
	w := NewTSVWriter(nil)
	path := filepath.Join(t.TempDir(), "stream.tsv")

	sw, err := w.CreateStreamWriter(path, []string{"id", "value"})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, sw.WriteRecord([]string{formatInt(int64(i)), "v"}))
	}
	require.NoError(t, sw.Close())

	_, rows, err := ReadTSV(path)
	require.NoError(t, err)
	assert.Len(t, rows, 100)
}

func TestParseTSVEdgeCases(t *testing.T) {
	headers, rows, err := ParseTSV(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Nil(t, headers)
	assert.Nil(t, rows)

	headers, rows, err = ParseTSV(bytes.NewBufferString("a\tb\n1\n2\t3\t4\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, headers)
	assert.Equal(t, [][]string{{"1"}, {"2", "3", "4"}}, rows)

	_, _, err = ReadTSV(filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}

func TestExcelWriter(t *testing.T) {
	dir := t.TempDir()
	tsv := filepath.Join(dir, "result.tsv")
	require.NoError(t, NewTSVWriter(nil).WriteTable(tsv, []string{"name", "count"}, [][]string{{"a", "3"}, {"b", "4.5"}}))

	var buf bytes.Buffer
	require.NoError(t, NewExcelWriter().ConvertTSV(tsv, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(DefaultSheetName)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"name", "count"}, {"a", "3"}, {"b", "4.5"}}, rows)

	typ, err := f.GetCellType(DefaultSheetName, "B2")
	require.NoError(t, err)
	assert.Equal(t, excelize.CellTypeNumber, typ)

	assert.Error(t, NewExcelWriter().ConvertTSV(filepath.Join(dir, "missing.tsv"), &buf))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{13.4, "13.4"},
		{float32(2), "2"},
		{42, "42"},
		{int64(-7), "-7"},
		{true, "true"},
		{time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), "2024-03-01 09:30:00"},
		{[]int{1}, "[1]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

type fakeTable struct{}

func (fakeTable) Header() []string    { return []string{"x", "y"} }
func (fakeTable) Records() [][]string { return [][]string{{"1", "2"}, {"3", "4"}} }

func TestWriteResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input_data.tsv")
	require.NoError(t, NewTSVWriter(nil).WriteResult(path, fakeTable{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x\ty\n1\t2\n3\t4\n", string(data))
}
