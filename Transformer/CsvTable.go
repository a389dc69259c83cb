package Transformer

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/pkg/errors"
	"github.com/saintfish/chardet"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// detectEncoding 返回 chardet 识别出的字符集
func detectEncoding(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return ""
	}
	return result.Charset
}

// toUTF8 GB 系列编码转为 UTF-8
func toUTF8(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	enc := strings.ToUpper(detectEncoding(data))
	if strings.Contains(enc, "GB") || enc == "" {
		if out, err := methods.GbkToUtf8(data); err == nil {
			return out
		}
	}
	return data
}

// detectDelimiter 取首个非空行中出现最多的分隔符，0 表示按空白分隔
func detectDelimiter(text string) rune {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		best, bestCount := rune(0), 0
		for _, d := range []rune{',', ';', '\t'} {
			if c := strings.Count(line, string(d)); c > bestCount {
				best, bestCount = d, c
			}
		}
		return best
	}
	return 0
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

// ParseCSV 解析界址点表文件：序号,a,b（可带表头，至少3列）
func ParseCSV(data []byte) ([]PointRow, error) {
	text := strings.ReplaceAll(string(toUTF8(data)), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, errors.Wrap(models.ErrUnrecognizedFormat, "empty file")
	}

	records, err := readRecords(text, detectDelimiter(text))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Wrap(models.ErrUnrecognizedFormat, "no rows")
	}
	if len(records[0]) < 3 {
		return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "expected at least 3 columns, got %d", len(records[0]))
	}

	start := 0
	for _, cell := range records[0][:3] {
		if !isNumeric(cell) {
			start = 1 // 表头
			break
		}
	}
	if start == 1 && len(records) > 1 && len(records[1]) < 3 {
		return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "expected at least 3 columns, got %d", len(records[1]))
	}

	rows := make([]PointRow, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		var row PointRow
		cells := []**float64{&row.Order, &row.A, &row.B}
		for j, dst := range cells {
			if j >= len(rec) {
				break
			}
			cell := strings.TrimSpace(rec[j])
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "line %d column %d: %q is not a number", i+1, j+1, cell)
			}
			*dst = &v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readRecords(text string, delim rune) ([][]string, error) {
	if delim == 0 {
		var records [][]string
		for _, line := range strings.Split(text, "\n") {
			if f := strings.Fields(line); len(f) > 0 {
				records = append(records, f)
			}
		}
		return records, nil
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "parse csv: %v", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
