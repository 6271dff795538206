package datekey

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	csvparser "snapwh/internal/parser/csv"
	"snapwh/internal/transformer"
)

// Epoch is the first day of the generated calendar. Its key is 1.
var Epoch = time.Date(2005, time.January, 1, 0, 0, 0, 0, time.UTC)

// Columns is the date_dim column order, which is also the field order of the
// calendar CSV.
var Columns = []string{
	"date_key", "full_date", "day_since_2005", "month_since_2005",
	"day_of_week", "calendar_month", "calendar_year", "calendar_year_month",
	"day_of_month", "day_of_year",
	"week_of_year_sunday", "year_week_sunday", "week_sunday_start",
	"week_of_year_monday", "year_week_monday", "week_monday_start",
	"quarter", "month", "holiday", "day_type",
}

// Row is one date_dim row.
type Row struct {
	DateKey           int64
	FullDate          string
	DaySince2005      int64
	MonthSince2005    int64
	DayOfWeek         string
	CalendarMonth     string
	CalendarYear      int64
	CalendarYearMonth string
	DayOfMonth        int64
	DayOfYear         int64
	WeekOfYearSunday  int64
	YearWeekSunday    string
	WeekSundayStart   string
	WeekOfYearMonday  int64
	YearWeekMonday    string
	WeekMondayStart   string
	Quarter           string
	Month             int64
	Holiday           string
	DayType           string
}

// Values returns the row in Columns order.
func (r Row) Values() []any {
	return []any{
		r.DateKey, r.FullDate, r.DaySince2005, r.MonthSince2005,
		r.DayOfWeek, r.CalendarMonth, r.CalendarYear, r.CalendarYearMonth,
		r.DayOfMonth, r.DayOfYear,
		r.WeekOfYearSunday, r.YearWeekSunday, r.WeekSundayStart,
		r.WeekOfYearMonday, r.YearWeekMonday, r.WeekMondayStart,
		r.Quarter, r.Month, r.Holiday, r.DayType,
	}
}

// HolidayFunc reports whether a date is a holiday. nil means none are.
type HolidayFunc func(time.Time) bool

// Derive computes the dimension attributes of d.
func Derive(d time.Time, holiday HolidayFunc) Row {
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)

	days := int64(d.Sub(Epoch).Hours()/24) + 1
	yday := d.YearDay() - 1
	wday := int(d.Weekday()) // Sunday = 0

	// strftime %U and %W.
	weekSun := (yday + 7 - wday) / 7
	weekMon := (yday + 7 - (wday+6)%7) / 7

	sunStart := d.AddDate(0, 0, -wday)
	monStart := d.AddDate(0, 0, -((wday + 6) % 7))

	r := Row{
		DateKey:           days,
		FullDate:          FullDate(d),
		DaySince2005:      days,
		MonthSince2005:    int64(d.Year()-Epoch.Year())*12 + int64(d.Month()),
		DayOfWeek:         d.Weekday().String(),
		CalendarMonth:     d.Month().String(),
		CalendarYear:      int64(d.Year()),
		CalendarYearMonth: d.Format("2006-Jan"),
		DayOfMonth:        int64(d.Day()),
		DayOfYear:         int64(yday + 1),
		WeekOfYearSunday:  int64(weekSun),
		YearWeekSunday:    fmt.Sprintf("%d-W%02d", d.Year(), weekSun),
		WeekSundayStart:   FullDate(sunStart),
		WeekOfYearMonday:  int64(weekMon),
		YearWeekMonday:    fmt.Sprintf("%d-W%02d", d.Year(), weekMon),
		WeekMondayStart:   FullDate(monStart),
		Quarter:           fmt.Sprintf("%d-Q%d", d.Year(), (int(d.Month())-1)/3+1),
		Month:             int64(d.Month()),
		Holiday:           "Non-Holiday",
		DayType:           "Weekday",
	}
	if holiday != nil && holiday(d) {
		r.Holiday = "Holiday"
	}
	if wday == 0 || wday == 6 {
		r.DayType = "Weekend"
	}
	return r
}

// Generate derives every row from 'from' to 'to', inclusive.
func Generate(from, to time.Time, holiday HolidayFunc) []Row {
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	if to.Before(from) {
		return nil
	}
	out := make([]Row, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, Derive(d, holiday))
	}
	return out
}

// LoadCSV reads calendar rows in Columns order. A header row is detected by
// a non-numeric first field. Lines that fail to convert are reported through
// onErr and skipped.
func LoadCSV(ctx context.Context, r io.Reader, onErr func(line int, err error)) ([]Row, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// onErr is reached from both the parser goroutine and this one.
	var mu sync.Mutex
	report := func(line int, err error) {
		if onErr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onErr(line, err)
	}

	out := make(chan *transformer.Row, 256)
	done := make(chan error, 1)
	go func() {
		done <- csvparser.StreamCSVRows(ctx, r, Columns, csvparser.Options{
			TrimSpace:       true,
			FieldsPerRecord: len(Columns),
		}, out, report)
		close(out)
	}()

	var rows []Row
	for tr := range out {
		row, err := fromFields(tr.V)
		line := tr.Line
		tr.Free()
		if err != nil {
			// Header line or a row with a non-numeric key.
			if line > 1 {
				report(line, err)
			}
			continue
		}
		rows = append(rows, row)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("datekey: read calendar csv: %w", err)
	}
	return rows, nil
}

func fromFields(v []any) (Row, error) {
	str := func(i int) string {
		if s, ok := v[i].(string); ok {
			return s
		}
		return ""
	}
	var firstErr error
	num := func(i int, required bool) int64 {
		s := str(i)
		if s == "" && !required {
			return 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", Columns[i], err)
		}
		return n
	}

	r := Row{
		DateKey:           num(0, true),
		FullDate:          str(1),
		DaySince2005:      num(2, false),
		MonthSince2005:    num(3, false),
		DayOfWeek:         str(4),
		CalendarMonth:     str(5),
		CalendarYear:      num(6, false),
		CalendarYearMonth: str(7),
		DayOfMonth:        num(8, false),
		DayOfYear:         num(9, false),
		WeekOfYearSunday:  num(10, false),
		YearWeekSunday:    str(11),
		WeekSundayStart:   str(12),
		WeekOfYearMonday:  num(13, false),
		YearWeekMonday:    str(14),
		WeekMondayStart:   str(15),
		Quarter:           str(16),
		Month:             num(17, false),
		Holiday:           str(18),
		DayType:           str(19),
	}
	if firstErr != nil {
		return Row{}, firstErr
	}
	if _, err := time.Parse(time.DateOnly, r.FullDate); err != nil {
		return Row{}, fmt.Errorf("full_date: %w", err)
	}
	return r, nil
}
