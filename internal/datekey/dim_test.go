package datekey

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	// Wednesday.
	got := Derive(time.Date(2024, 5, 1, 15, 4, 5, 0, time.FixedZone("x", 3600)), nil)
	want := Row{
		DateKey:           7061,
		FullDate:          "2024-05-01",
		DaySince2005:      7061,
		MonthSince2005:    233,
		DayOfWeek:         "Wednesday",
		CalendarMonth:     "May",
		CalendarYear:      2024,
		CalendarYearMonth: "2024-May",
		DayOfMonth:        1,
		DayOfYear:         122,
		WeekOfYearSunday:  17,
		YearWeekSunday:    "2024-W17",
		WeekSundayStart:   "2024-04-28",
		WeekOfYearMonday:  18,
		YearWeekMonday:    "2024-W18",
		WeekMondayStart:   "2024-04-29",
		Quarter:           "2024-Q2",
		Month:             5,
		Holiday:           "Non-Holiday",
		DayType:           "Weekday",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Derive mismatch (-want +got):\n%s", diff)
	}
}

func TestDerive_EpochAndWeekend(t *testing.T) {
	t.Parallel()

	// 2005-01-01 was a Saturday.
	r := Derive(Epoch, func(d time.Time) bool { return d.Month() == time.January && d.Day() == 1 })
	if r.DateKey != 1 || r.DayType != "Weekend" || r.Holiday != "Holiday" {
		t.Fatalf("got=%+v", r)
	}
	if r.WeekOfYearSunday != 0 || r.WeekOfYearMonday != 0 {
		t.Fatalf("weeks=%d/%d want 0/0", r.WeekOfYearSunday, r.WeekOfYearMonday)
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	rows := Generate(time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), nil)
	if len(rows) != 4 {
		t.Fatalf("rows=%d want 4 (leap day included)", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].DateKey != rows[i-1].DateKey+1 {
			t.Fatalf("keys not consecutive at %d: %d after %d", i, rows[i].DateKey, rows[i-1].DateKey)
		}
	}
	if rows[2].FullDate != "2024-02-29" {
		t.Fatalf("rows[2]=%s", rows[2].FullDate)
	}
	if Generate(time.Now(), time.Now().AddDate(0, 0, -1), nil) != nil {
		t.Fatalf("reversed range should be empty")
	}
}

func TestLoadCSV(t *testing.T) {
	t.Parallel()

	want := Derive(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), nil)
	line := func(r Row) string {
		parts := make([]string, 0, len(Columns))
		for _, v := range r.Values() {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, ",")
	}

	in := strings.Join([]string{
		"date_sk,full_date,day_since_2005,month_since_2005,day_of_week,calendar_month,calendar_year,calendar_year_month,day_of_month,day_of_year,week_of_year_sunday,year_week_sunday,week_sunday_start,week_of_year_monday,year_week_monday,week_monday_start,quarter,month,holiday,day_type",
		line(want),
		"x,2024-05-02" + strings.Repeat(",", len(Columns)-2),
		"1,2,3",
	}, "\n") + "\n"

	var errLines []int
	rows, err := LoadCSV(context.Background(), strings.NewReader(in), func(l int, _ error) {
		errLines = append(errLines, l)
	})
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d want 1", len(rows))
	}
	if diff := cmp.Diff(want, rows[0]); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}
	// Header is silently skipped; the bad key and the short line are reported.
	sort.Ints(errLines)
	if diff := cmp.Diff([]int{3, 4}, errLines); diff != "" {
		t.Fatalf("errLines mismatch (-want +got):\n%s", diff)
	}
}
