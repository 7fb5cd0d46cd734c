// Package export renders stored rankings as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"cv-pipeline/internal/storage"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Summary"
	rankingsSheet = "Ranked Candidates"
)

var border = []excelize.Border{
	{Type: "left", Color: "000000", Style: 1},
	{Type: "right", Color: "000000", Style: 1},
	{Type: "top", Color: "000000", Style: 1},
	{Type: "bottom", Color: "000000", Style: 1},
}

// Band buckets a 0-100 score for colouring and the summary counts.
type Band struct {
	Label string
	Min   int
	Fill  string
}

var Bands = []Band{
	{Label: "Excellent (90-100)", Min: 90, Fill: "C6EFCE"},
	{Label: "Good (70-89)", Min: 70, Fill: "FFEB9C"},
	{Label: "Fair (50-69)", Min: 50, Fill: "FFC7CE"},
	{Label: "Poor (<50)", Min: 0, Fill: "FF9999"},
}

func bandOf(score int) int {
	for i, b := range Bands {
		if score >= b.Min {
			return i
		}
	}
	return len(Bands) - 1
}

// WriteRankings writes a workbook with a summary sheet and one row per
// ranked applicant, in the order given.
func WriteRankings(w io.Writer, job *storage.Job, rows []storage.RankedApplicant, now time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(rankingsSheet); err != nil {
		return err
	}
	if err := writeSummary(f, job, rows, now); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeRankings(f, rows); err != nil {
		return fmt.Errorf("rankings sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func headerStyle(f *excelize.File, size float64) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: size, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"},
	})
}

func writeSummary(f *excelize.File, job *storage.Job, rows []storage.RankedApplicant, now time.Time) error {
	s := summarySheet
	f.SetColWidth(s, "A", "A", 25)
	f.SetColWidth(s, "B", "B", 50)

	title, err := headerStyle(f, 14)
	if err != nil {
		return err
	}
	label, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	row := 1
	set := func(k string, v any) {
		f.SetCellValue(s, cell("A", row), k)
		f.SetCellStyle(s, cell("A", row), cell("A", row), label)
		f.SetCellValue(s, cell("B", row), v)
		row++
	}
	heading := func(text string) {
		f.SetCellValue(s, cell("A", row), text)
		f.SetCellStyle(s, cell("A", row), cell("B", row), title)
		f.MergeCell(s, cell("A", row), cell("B", row))
		row++
	}

	heading("Candidate Ranking Report")
	row++
	set("Job Title:", job.Title)
	set("Job Code:", job.JobCode)
	set("Generated:", now.Format("2006-01-02 15:04:05"))
	set("Total Candidates Ranked:", len(rows))
	row++

	if len(rows) == 0 {
		return nil
	}

	heading("Statistics:")
	counts := make([]int, len(Bands))
	total, lo, hi := 0, rows[0].Score, rows[0].Score
	for _, r := range rows {
		counts[bandOf(r.Score)]++
		total += r.Score
		lo = min(lo, r.Score)
		hi = max(hi, r.Score)
	}
	for i, b := range Bands {
		set(b.Label+":", counts[i])
	}
	row++
	set("Average Score:", fmt.Sprintf("%.2f", float64(total)/float64(len(rows))))
	set("Highest Score:", hi)
	set("Lowest Score:", lo)
	return nil
}

func writeRankings(f *excelize.File, rows []storage.RankedApplicant) error {
	s := rankingsSheet
	widths := map[string]float64{"A": 8, "B": 28, "C": 10, "D": 30, "E": 18, "F": 24, "G": 80}
	for col, w := range widths {
		f.SetColWidth(s, col, col, w)
	}

	head, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border:    border,
	})
	if err != nil {
		return err
	}
	styles := make([]int, len(Bands))
	for i, b := range Bands {
		styles[i], err = f.NewStyle(&excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{b.Fill}, Pattern: 1},
			Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
			Border:    border,
		})
		if err != nil {
			return err
		}
	}

	headers := []string{"Rank", "Candidate", "Score", "Email", "Phone", "Location", "Explanation"}
	for i, h := range headers {
		c, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(s, c, h)
		f.SetCellStyle(s, c, c, head)
	}

	for i, r := range rows {
		row := i + 2
		values := []any{i + 1, r.Name, r.Score, r.Email, r.Phone, r.Location, r.Explanation}
		if err := f.SetSheetRow(s, cell("A", row), &values); err != nil {
			return err
		}
		f.SetCellStyle(s, cell("A", row), cell("G", row), styles[bandOf(r.Score)])
	}

	if len(rows) > 0 {
		f.AutoFilter(s, fmt.Sprintf("A1:G%d", len(rows)+1), []excelize.AutoFilterOptions{})
	}
	return f.SetPanes(s, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
