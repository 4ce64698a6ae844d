package httpapi

import (
	"bytes"
	"fmt"

	"iotflow-connectivity/internal/models"

	"github.com/xuri/excelize/v2"
)

// TelemetryExportHeader 导出表头
var TelemetryExportHeader = []string{
	"Timestamp",
	"Device ID",
	"Measurement",
	"Value Type",
	"Value",
	"Unit",
}

const telemetrySheet = "Telemetry"

// GenerateTelemetryExport 生成遥测数据 Excel 文件，数值写为数字单元格，其余写为文本
func GenerateTelemetryExport(rows []models.Measurement) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(telemetrySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range TelemetryExportHeader {
		if err := setCellValue(f, telemetrySheet, col+1, 1, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header: %w", err)
		}
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(TelemetryExportHeader), 1)
	if err := f.SetCellStyle(telemetrySheet, "A1", lastHeader, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	columnWidths := []float64{28, 12, 20, 12, 24, 10}
	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(telemetrySheet, col, col, width); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, m := range rows {
		row := i + 2
		var value interface{}
		switch m.Value.Kind {
		case models.KindNumeric:
			value = m.Value.Numeric
		case models.KindBoolean:
			value = m.Value.Bool
		default:
			value = m.Value.String()
		}

		cells := []interface{}{
			m.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			m.DeviceID,
			m.Name,
			string(m.ValueKind),
			value,
			m.Unit,
		}
		for col, v := range cells {
			if err := setCellValue(f, telemetrySheet, col+1, row, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell at row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(telemetrySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// setCellValue 按行列号设置单元格值
func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}
